package generic

import (
	"bytes"
	"encoding/json"
)

// =============================================================================
// FIELD DESCRIPTORS
// =============================================================================

type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldDate      FieldType = "date"
	FieldEnum      FieldType = "enum"
	FieldBool      FieldType = "bool"
	FieldReference FieldType = "reference"
)

// StorageClass says where a field is stored.
type StorageClass string

const (
	StorageJSON       StorageClass = ""            // inside the state's data blob
	StorageForeignKey StorageClass = "foreign_key" // column on the activity registry table
	StorageUniqueKey  StorageClass = "unique_key"  // column on the state table (time_key)
)

// Number formats understood by the validator.
const (
	FormatAmount  = "amount"  // rounded to 2 decimals
	FormatRate    = "rate"    // [0, 1], rounded to 4 decimals
	FormatInteger = "integer" // no fractional part
	FormatMonth   = "month"   // string field holding a YYYY-MM period
)

// Auto defaults applied on create.
const (
	AutoNow  = "now"
	AutoDate = "date"
)

// Field describes one payload field.
type Field struct {
	Name        string       `json:"name"`
	Label       string       `json:"label,omitempty"`
	Type        FieldType    `json:"type"`
	Required    bool         `json:"required,omitempty"`
	Auto        string       `json:"auto,omitempty"`
	Storage     StorageClass `json:"storage,omitempty"`
	Options     []string     `json:"options,omitempty"`
	Min         *float64     `json:"min,omitempty"`
	Max         *float64     `json:"max,omitempty"`
	Format      string       `json:"format,omitempty"`
	NonNegative bool         `json:"non_negative,omitempty"`
	MaxLength   int          `json:"max_length,omitempty"`
	Entity      string       `json:"entity,omitempty"`
}

// IsIDLike reports whether the field name looks like an identity column.
func (f Field) IsIDLike() bool { return isIDLike(f.Name) }

func isIDLike(name string) bool {
	return name == "id" || (len(name) > 3 && name[len(name)-3:] == "_id")
}

// =============================================================================
// FIELD SET - Ordered mapping (declaration order drives caller UI ordering)
// =============================================================================

// FieldSet is an ordered collection of fields with name lookup.
type FieldSet struct {
	order []string
	index map[string]*Field
}

func newFieldSet() *FieldSet {
	return &FieldSet{index: make(map[string]*Field)}
}

// add appends f, reporting false if the name already exists.
func (fs *FieldSet) add(f Field) bool {
	if _, dup := fs.index[f.Name]; dup {
		return false
	}
	fs.order = append(fs.order, f.Name)
	fs.index[f.Name] = &f
	return true
}

// Get returns the named field.
func (fs *FieldSet) Get(name string) (*Field, bool) {
	f, ok := fs.index[name]
	return f, ok
}

// Names returns field names in declaration order.
func (fs *FieldSet) Names() []string {
	out := make([]string, len(fs.order))
	copy(out, fs.order)
	return out
}

// All returns fields in declaration order.
func (fs *FieldSet) All() []Field {
	out := make([]Field, 0, len(fs.order))
	for _, name := range fs.order {
		out = append(out, *fs.index[name])
	}
	return out
}

func (fs *FieldSet) Len() int { return len(fs.order) }

// MarshalJSON emits {"name": {...}, ...} in declaration order.
func (fs *FieldSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range fs.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		value, err := json.Marshal(fs.index[name])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
