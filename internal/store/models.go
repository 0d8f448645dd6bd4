package store

import "time"

// Item field names understood by the per-field sync machinery. Anything else
// addresses a custom column by its column id.
const (
	FieldName     = "name"
	FieldTalent   = "talent"
	FieldScript   = "script"
	FieldGfx      = "gfx_id"
	FieldVideo    = "video_id"
	FieldDuration = "duration"
	FieldNotes    = "notes"
	FieldColor    = "color"
	FieldFloated  = "floated"
)

// BuiltinFields lists the fixed per-item fields in a stable order.
var BuiltinFields = []string{
	FieldName, FieldTalent, FieldScript, FieldGfx, FieldVideo,
	FieldDuration, FieldNotes, FieldColor, FieldFloated,
}

// Global (rundown-level) field names addressable by the sync machinery.
const (
	GlobalTitle         = "title"
	GlobalStartTime     = "start_time"
	GlobalTimezone      = "timezone"
	GlobalShowDate      = "show_date"
	GlobalExternalNotes = "external_notes"
)

const (
	ItemTypeRow    = "row"
	ItemTypeHeader = "header"
)

// Item is a single rundown row: either a content row or a header grouping
// marker. Identity is the opaque ID; ordering is slice position.
type Item struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Name     string            `json:"name"`
	Talent   string            `json:"talent,omitempty"`
	Script   string            `json:"script,omitempty"`
	GfxID    string            `json:"gfx_id,omitempty"`
	VideoID  string            `json:"video_id,omitempty"`
	Duration string            `json:"duration,omitempty"`
	Notes    string            `json:"notes,omitempty"`
	Color    string            `json:"color,omitempty"`
	Floated  bool              `json:"floated,omitempty"`
	Custom   map[string]string `json:"custom,omitempty"`
}

// Field returns the value of a named field. Unknown names read from the
// custom-column map. Floated is exposed as "true"/"false" so every field
// resolves to a comparable string.
func (it Item) Field(name string) string {
	switch name {
	case FieldName:
		return it.Name
	case FieldTalent:
		return it.Talent
	case FieldScript:
		return it.Script
	case FieldGfx:
		return it.GfxID
	case FieldVideo:
		return it.VideoID
	case FieldDuration:
		return it.Duration
	case FieldNotes:
		return it.Notes
	case FieldColor:
		return it.Color
	case FieldFloated:
		if it.Floated {
			return "true"
		}
		return "false"
	default:
		return it.Custom[name]
	}
}

// SetField writes a named field, routing unknown names to the custom map.
func (it *Item) SetField(name, value string) {
	switch name {
	case FieldName:
		it.Name = value
	case FieldTalent:
		it.Talent = value
	case FieldScript:
		it.Script = value
	case FieldGfx:
		it.GfxID = value
	case FieldVideo:
		it.VideoID = value
	case FieldDuration:
		it.Duration = value
	case FieldNotes:
		it.Notes = value
	case FieldColor:
		it.Color = value
	case FieldFloated:
		it.Floated = value == "true"
	default:
		if it.Custom == nil {
			it.Custom = make(map[string]string)
		}
		it.Custom[name] = value
	}
}

// Clone returns a copy that shares nothing with the receiver.
func (it Item) Clone() Item {
	out := it
	if it.Custom != nil {
		out.Custom = make(map[string]string, len(it.Custom))
		for k, v := range it.Custom {
			out.Custom[k] = v
		}
	}
	return out
}

// CloneItems deep-copies an item slice.
func CloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// FieldsOf returns the builtin field names plus the item's custom column ids.
func FieldsOf(it Item) []string {
	fields := make([]string, 0, len(BuiltinFields)+len(it.Custom))
	fields = append(fields, BuiltinFields...)
	for k := range it.Custom {
		fields = append(fields, k)
	}
	return fields
}

// Column is a user-defined custom column on a rundown.
type Column struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Width int    `json:"width,omitempty"`
}

// Rundown is the shared document: ordered items plus scalar metadata.
// DocVersion is owned by the store and increments exactly once per
// successful write.
type Rundown struct {
	ID            string    `json:"id"`
	TeamID        string    `json:"team_id"`
	Title         string    `json:"title"`
	StartTime     string    `json:"start_time"`
	Timezone      string    `json:"timezone"`
	ShowDate      string    `json:"show_date"`
	ExternalNotes string    `json:"external_notes"`
	Columns       []Column  `json:"columns"`
	Items         []Item    `json:"items"`
	DocVersion    int64     `json:"doc_version"`
	UpdatedBy     string    `json:"user_id"`
	TabID         string    `json:"tab_id"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GlobalField reads a rundown-level field by name.
func (r Rundown) GlobalField(name string) string {
	switch name {
	case GlobalTitle:
		return r.Title
	case GlobalStartTime:
		return r.StartTime
	case GlobalTimezone:
		return r.Timezone
	case GlobalShowDate:
		return r.ShowDate
	case GlobalExternalNotes:
		return r.ExternalNotes
	default:
		return ""
	}
}

// SetGlobalField writes a rundown-level field by name.
func (r *Rundown) SetGlobalField(name, value string) {
	switch name {
	case GlobalTitle:
		r.Title = value
	case GlobalStartTime:
		r.StartTime = value
	case GlobalTimezone:
		r.Timezone = value
	case GlobalShowDate:
		r.ShowDate = value
	case GlobalExternalNotes:
		r.ExternalNotes = value
	}
}

// RundownPatch is the write shape for a compare-and-swap save. Nil fields are
// left untouched; Items replaces the whole ordered array.
type RundownPatch struct {
	Title         *string  `json:"title,omitempty"`
	StartTime     *string  `json:"start_time,omitempty"`
	Timezone      *string  `json:"timezone,omitempty"`
	ShowDate      *string  `json:"show_date,omitempty"`
	ExternalNotes *string  `json:"external_notes,omitempty"`
	Columns       []Column `json:"columns,omitempty"`
	Items         []Item   `json:"items,omitempty"`
	UpdatedBy     string   `json:"user_id"`
	TabID         string   `json:"tab_id"`
}

// SaveResult reports the store-assigned version and commit timestamp of a
// successful write.
type SaveResult struct {
	DocVersion int64     `json:"doc_version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RundownSummary is the listing row (no items payload).
type RundownSummary struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	ShowDate   string    `json:"show_date"`
	StartTime  string    `json:"start_time"`
	ItemCount  int       `json:"item_count"`
	DocVersion int64     `json:"doc_version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CommitInfo describes one snapshot in a rundown's git-backed history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// NamedVersion is a tagged snapshot a user chose to keep by name.
type NamedVersion struct {
	Name      string
	Hash      string
	CreatedAt time.Time
}
