package meta

import "errors"

var (
	// ErrSealed is returned when attaching to a frameset that was already emitted.
	ErrSealed = errors.New("meta: frameset is sealed")
	// ErrDuplicateTag is returned when a tag is attached twice.
	ErrDuplicateTag = errors.New("meta: duplicate tag")
	// ErrEmptyTag is returned when attaching with an empty tag.
	ErrEmptyTag = errors.New("meta: empty tag")
)

// Attachment is one auxiliary buffer of a frameset.
type Attachment struct {
	Tag    string
	Buffer *Buffer
}

// Frameset is one primary buffer plus an ordered list of tagged attachments.
//
// Invariant: tags (primary title included) are unique within a frameset.
type Frameset struct {
	// ID identifies the frameset for tracing. Assigned by the muxer.
	ID string

	// Primary is the buffer of the highest-priority stream.
	Primary *Buffer

	attachments []Attachment
	sealed      bool
}

// NewFrameset creates a frameset around the primary buffer.
func NewFrameset(id string, primary *Buffer) *Frameset {
	return &Frameset{
		ID:      id,
		Primary: primary,
	}
}

// Attach appends b under tag and returns the attachment index.
// The buffer is tagged with tag as a side effect.
func (f *Frameset) Attach(tag string, b *Buffer) (int, error) {
	if f.sealed {
		return -1, ErrSealed
	}
	if tag == "" {
		return -1, ErrEmptyTag
	}
	if f.hasTag(tag) {
		return -1, ErrDuplicateTag
	}

	TagBuffer(b, tag)
	f.attachments = append(f.attachments, Attachment{Tag: tag, Buffer: b})
	return len(f.attachments) - 1, nil
}

// Tags lists attachment tags in order. The primary title is not included.
func (f *Frameset) Tags() []string {
	tags := make([]string, 0, len(f.attachments))
	for _, a := range f.attachments {
		tags = append(tags, a.Tag)
	}
	return tags
}

// Get returns the attachment tagged tag.
func (f *Frameset) Get(tag string) (*Buffer, bool) {
	for _, a := range f.attachments {
		if a.Tag == tag {
			return a.Buffer, true
		}
	}
	return nil, false
}

// Attachments returns a copy of the ordered attachment list.
func (f *Frameset) Attachments() []Attachment {
	out := make([]Attachment, len(f.attachments))
	copy(out, f.attachments)
	return out
}

// Len returns the number of buffers, primary included.
func (f *Frameset) Len() int {
	if f.Primary == nil {
		return len(f.attachments)
	}
	return len(f.attachments) + 1
}

// Seal freezes the attachment list. Called when the frameset is emitted.
func (f *Frameset) Seal() {
	f.sealed = true
}

// Sealed reports whether the frameset was emitted.
func (f *Frameset) Sealed() bool {
	return f.sealed
}

func (f *Frameset) hasTag(tag string) bool {
	if f.Primary != nil && f.Primary.Title == tag {
		return true
	}
	for _, a := range f.attachments {
		if a.Tag == tag {
			return true
		}
	}
	return false
}
