package core

// Attachments and audio notes created before subdocument ids existed can only
// be addressed by their stored filename. Lookups therefore run in two passes:
// first by id, then by the legacy filename key. This fallback is permanent.

// FindAttachment resolves key against a task's attachments. The returned ref
// records which pass matched so the store can pull by the same key.
func FindAttachment(task *Task, key string) (*Attachment, SubdocRef, bool) {
	if key == "" {
		return nil, SubdocRef{}, false
	}
	for i := range task.Attachments {
		if a := &task.Attachments[i]; a.ID != "" && a.ID == key {
			return a, SubdocRef{ID: a.ID}, true
		}
	}
	for i := range task.Attachments {
		if a := &task.Attachments[i]; a.UniqueFilename == key {
			return a, SubdocRef{Filename: a.UniqueFilename}, true
		}
	}
	return nil, SubdocRef{}, false
}

// FindAudioNote resolves key against a task's audio notes, id first.
func FindAudioNote(task *Task, key string) (*AudioNote, SubdocRef, bool) {
	if key == "" {
		return nil, SubdocRef{}, false
	}
	for i := range task.AudioNotes {
		if n := &task.AudioNotes[i]; n.ID != "" && n.ID == key {
			return n, SubdocRef{ID: n.ID}, true
		}
	}
	for i := range task.AudioNotes {
		if n := &task.AudioNotes[i]; n.Filename == key {
			return n, SubdocRef{Filename: n.Filename}, true
		}
	}
	return nil, SubdocRef{}, false
}

// MatchesAttachment reports whether an attachment is selected by ref.
func (ref SubdocRef) MatchesAttachment(a Attachment) bool {
	if ref.ID != "" {
		return a.ID == ref.ID
	}
	return ref.Filename != "" && a.UniqueFilename == ref.Filename
}

// MatchesAudioNote reports whether an audio note is selected by ref.
func (ref SubdocRef) MatchesAudioNote(n AudioNote) bool {
	if ref.ID != "" {
		return n.ID == ref.ID
	}
	return ref.Filename != "" && n.Filename == ref.Filename
}

// RemoveAttachments returns attachments without the entries selected by ref
// and whether anything was removed.
func RemoveAttachments(list []Attachment, ref SubdocRef) ([]Attachment, bool) {
	out := make([]Attachment, 0, len(list))
	removed := false
	for _, a := range list {
		if ref.MatchesAttachment(a) {
			removed = true
			continue
		}
		out = append(out, a)
	}
	return out, removed
}

// RemoveAudioNotes returns notes without the entries selected by ref.
func RemoveAudioNotes(list []AudioNote, ref SubdocRef) ([]AudioNote, bool) {
	out := make([]AudioNote, 0, len(list))
	removed := false
	for _, n := range list {
		if ref.MatchesAudioNote(n) {
			removed = true
			continue
		}
		out = append(out, n)
	}
	return out, removed
}
