/*
schema.go - Twin schema registry

PURPOSE:
  Parses the twin-schema document once at boot and exposes typed, immutable
  descriptors keyed by twin name. The descriptors decide table layout and
  the storage class of every field.

DOCUMENT SHAPE:
  twins:
    person:
      type: entity              # entity | activity
      temporal_mode: versioned  # versioned | time_series
      fields:
        name: {type: string, required: true}
    person_company_attendance:
      type: activity
      temporal_mode: time_series
      unique_key: [person_id, company_id, date]
      related_entities:
        - {entity: person, role: employee, key: person_id}
        - {entity: company, role: employer, key: company_id}
      fields:
        date: {type: date, storage: unique_key, required: true}

ORDER:
  Field order is preserved by decoding yaml.Node mappings pair by pair.
  The core does not use order semantically; callers render UIs from it.

SEE ALSO:
  - fields.go:   Field, FieldSet
  - validate.go: uses descriptors to normalize payloads
  - store/sqlite/provision.go: materializes tables from descriptors
*/
package generic

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// DESCRIPTORS
// =============================================================================

type TwinKind string

const (
	KindEntity   TwinKind = "entity"
	KindActivity TwinKind = "activity"
)

type TemporalMode string

const (
	ModeVersioned  TemporalMode = "versioned"
	ModeTimeSeries TemporalMode = "time_series"
)

// RelatedEntity links an activity twin to an entity twin through a registry column.
type RelatedEntity struct {
	Entity   string `json:"entity"`
	Role     string `json:"role"`
	Key      string `json:"key"`
	Required bool   `json:"required"`
}

// TwinDescriptor is the immutable description of one twin.
type TwinDescriptor struct {
	Name            string          `json:"name"`
	Label           string          `json:"label,omitempty"`
	Kind            TwinKind        `json:"type"`
	Mode            TemporalMode    `json:"temporal_mode"`
	Fields          *FieldSet       `json:"fields"`
	RelatedEntities []RelatedEntity `json:"related_entities,omitempty"`
	UniqueKey       []string        `json:"unique_key,omitempty"`
	Upsert          bool            `json:"upsert"`

	timeKeyField string
}

// RegistryTable is the table holding one row per twin.
func (d *TwinDescriptor) RegistryTable() string { return d.Name }

// StateTable is the table holding the state stream.
func (d *TwinDescriptor) StateTable() string { return d.Name + "_state" }

// IsVersioned reports whether the stream is version-stamped.
func (d *TwinDescriptor) IsVersioned() bool { return d.Mode == ModeVersioned }

// TimeKeyField is the payload field realizing time_key ("" for versioned streams).
func (d *TwinDescriptor) TimeKeyField() string { return d.timeKeyField }

// ForeignKeys returns the registry columns of an activity twin in declaration order.
func (d *TwinDescriptor) ForeignKeys() []string {
	keys := make([]string, 0, len(d.RelatedEntities))
	for _, re := range d.RelatedEntities {
		keys = append(keys, re.Key)
	}
	return keys
}

// IsForeignKey reports whether name is a registry column.
func (d *TwinDescriptor) IsForeignKey(name string) bool {
	for _, re := range d.RelatedEntities {
		if re.Key == name {
			return true
		}
	}
	return false
}

// IsColumn reports whether name is stored outside the JSON blob.
func (d *TwinDescriptor) IsColumn(name string) bool {
	if name == "id" || name == "ts" || d.IsForeignKey(name) {
		return true
	}
	return !d.IsVersioned() && name == d.timeKeyField
}

// Field returns the named field descriptor.
func (d *TwinDescriptor) Field(name string) (*Field, bool) { return d.Fields.Get(name) }

// =============================================================================
// REGISTRY
// =============================================================================

// Registry indexes descriptors by twin name. It is read-only after LoadSchema.
type Registry struct {
	order []string
	twins map[string]*TwinDescriptor
}

// Twin returns the named descriptor or an UnknownTwinError.
func (r *Registry) Twin(name string) (*TwinDescriptor, error) {
	d, ok := r.twins[name]
	if !ok {
		return nil, &UnknownTwinError{Twin: name}
	}
	return d, nil
}

// MustTwin is Twin for names known to be declared.
func (r *Registry) MustTwin(name string) *TwinDescriptor {
	d, err := r.Twin(name)
	if err != nil {
		panic(err)
	}
	return d
}

// Names returns twin names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Descriptors returns descriptors in declaration order.
func (r *Registry) Descriptors() []*TwinDescriptor {
	out := make([]*TwinDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.twins[name])
	}
	return out
}

// =============================================================================
// LOADING
// =============================================================================

var identifierRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

type schemaYAML struct {
	Twins yaml.Node `yaml:"twins"`
}

type twinYAML struct {
	Type            string              `yaml:"type"`
	Label           string              `yaml:"label"`
	TemporalMode    string              `yaml:"temporal_mode"`
	RelatedEntities []relatedEntityYAML `yaml:"related_entities"`
	UniqueKey       []string            `yaml:"unique_key"`
	Upsert          *bool               `yaml:"upsert"`
	Fields          yaml.Node           `yaml:"fields"`
}

type relatedEntityYAML struct {
	Entity   string `yaml:"entity"`
	Role     string `yaml:"role"`
	Key      string `yaml:"key"`
	Required *bool  `yaml:"required"`
}

type fieldYAML struct {
	Type        string   `yaml:"type"`
	Label       string   `yaml:"label"`
	Required    bool     `yaml:"required"`
	Auto        string   `yaml:"auto"`
	Storage     string   `yaml:"storage"`
	Options     []string `yaml:"options"`
	Min         *float64 `yaml:"min"`
	Max         *float64 `yaml:"max"`
	Format      string   `yaml:"format"`
	NonNegative bool     `yaml:"non_negative"`
	MaxLength   int      `yaml:"max_length"`
	Entity      string   `yaml:"entity"`
}

// LoadSchema parses a schema document and validates it. Any problem is a
// SchemaError; the registry is never partially built.
func LoadSchema(doc []byte) (*Registry, error) {
	var root schemaYAML
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, &SchemaError{Reason: fmt.Sprintf("parse: %v", err)}
	}
	if root.Twins.Kind != yaml.MappingNode || len(root.Twins.Content) == 0 {
		return nil, &SchemaError{Reason: "document must declare a non-empty 'twins' mapping"}
	}

	reg := &Registry{twins: make(map[string]*TwinDescriptor)}
	for i := 0; i+1 < len(root.Twins.Content); i += 2 {
		name := root.Twins.Content[i].Value
		var raw twinYAML
		if err := root.Twins.Content[i+1].Decode(&raw); err != nil {
			return nil, &SchemaError{Twin: name, Reason: err.Error()}
		}
		desc, err := buildDescriptor(name, raw)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.twins[name]; dup {
			return nil, &SchemaError{Twin: name, Reason: "declared twice"}
		}
		reg.order = append(reg.order, name)
		reg.twins[name] = desc
	}

	// Cross-twin checks need the whole registry.
	for _, d := range reg.Descriptors() {
		for _, re := range d.RelatedEntities {
			target, ok := reg.twins[re.Entity]
			if !ok {
				return nil, &SchemaError{Twin: d.Name, Reason: fmt.Sprintf("related entity %q is not declared", re.Entity)}
			}
			if target.Kind != KindEntity {
				return nil, &SchemaError{Twin: d.Name, Reason: fmt.Sprintf("related entity %q is not an entity twin", re.Entity)}
			}
		}
	}
	return reg, nil
}

func buildDescriptor(name string, raw twinYAML) (*TwinDescriptor, error) {
	fail := func(format string, args ...any) error {
		return &SchemaError{Twin: name, Reason: fmt.Sprintf(format, args...)}
	}

	if !identifierRe.MatchString(name) {
		return nil, fail("name must match %s", identifierRe)
	}

	d := &TwinDescriptor{
		Name:      name,
		Label:     raw.Label,
		Kind:      TwinKind(raw.Type),
		Mode:      TemporalMode(raw.TemporalMode),
		Fields:    newFieldSet(),
		UniqueKey: raw.UniqueKey,
		Upsert:    true,
	}
	if raw.Upsert != nil {
		d.Upsert = *raw.Upsert
	}
	if d.Mode == "" {
		d.Mode = ModeVersioned
	}

	switch d.Kind {
	case KindEntity, KindActivity:
	default:
		return nil, fail("type must be %q or %q, got %q", KindEntity, KindActivity, raw.Type)
	}
	switch d.Mode {
	case ModeVersioned, ModeTimeSeries:
	default:
		return nil, fail("temporal_mode must be %q or %q, got %q", ModeVersioned, ModeTimeSeries, raw.TemporalMode)
	}

	if d.Kind == KindActivity && len(raw.RelatedEntities) == 0 {
		return nil, fail("activity twins must declare at least one related_entity")
	}
	if d.Kind == KindEntity && len(raw.RelatedEntities) > 0 {
		return nil, fail("entity twins cannot declare related_entities")
	}
	for _, re := range raw.RelatedEntities {
		if re.Entity == "" || re.Key == "" {
			return nil, fail("related_entity needs both entity and key")
		}
		if !identifierRe.MatchString(re.Key) || re.Key == "id" {
			return nil, fail("related_entity key %q is not a valid column name", re.Key)
		}
		required := true
		if re.Required != nil {
			required = *re.Required
		}
		d.RelatedEntities = append(d.RelatedEntities, RelatedEntity{
			Entity: re.Entity, Role: re.Role, Key: re.Key, Required: required,
		})
	}

	if raw.Fields.Kind != 0 && raw.Fields.Kind != yaml.MappingNode {
		return nil, fail("fields must be a mapping")
	}
	for i := 0; i+1 < len(raw.Fields.Content); i += 2 {
		fname := raw.Fields.Content[i].Value
		var fy fieldYAML
		if err := raw.Fields.Content[i+1].Decode(&fy); err != nil {
			return nil, fail("field %q: %v", fname, err)
		}
		f, err := buildField(d, fname, fy)
		if err != nil {
			return nil, err
		}
		if !d.Fields.add(f) {
			return nil, fail("field %q declared twice", fname)
		}
	}

	// Related-entity keys are always present as foreign-key fields.
	for _, re := range d.RelatedEntities {
		if f, ok := d.Fields.Get(re.Key); ok {
			f.Storage = StorageForeignKey
			f.Type = FieldReference
			f.Entity = re.Entity
			f.Required = re.Required
			continue
		}
		d.Fields.add(Field{
			Name: re.Key, Type: FieldReference, Storage: StorageForeignKey,
			Required: re.Required, Entity: re.Entity,
		})
	}

	for _, f := range d.Fields.All() {
		if f.Storage == StorageForeignKey && !d.IsForeignKey(f.Name) {
			return nil, fail("field %q: storage foreign_key must match a related_entity key", f.Name)
		}
	}

	if d.Mode == ModeTimeSeries {
		d.timeKeyField = resolveTimeKeyField(d)
		if d.timeKeyField == "" {
			return nil, fail("time_series twin needs a unique_key field or a non-id unique_key entry")
		}
		if _, ok := d.Fields.Get(d.timeKeyField); !ok {
			return nil, fail("time key %q is not a declared field", d.timeKeyField)
		}
	} else {
		for _, f := range d.Fields.All() {
			if f.Storage == StorageUniqueKey {
				return nil, fail("field %q: storage unique_key requires temporal_mode time_series", f.Name)
			}
		}
	}
	return d, nil
}

func buildField(d *TwinDescriptor, name string, fy fieldYAML) (Field, error) {
	fail := func(format string, args ...any) error {
		return &SchemaError{Twin: d.Name, Reason: fmt.Sprintf("field %q: ", name) + fmt.Sprintf(format, args...)}
	}
	if !identifierRe.MatchString(name) {
		return Field{}, fail("name must match %s", identifierRe)
	}
	switch name {
	case "id", "ts", "version", "time_key", "twin_id", "created_at", "data":
		return Field{}, fail("name is reserved")
	}

	f := Field{
		Name: name, Label: fy.Label, Type: FieldType(fy.Type), Required: fy.Required,
		Auto: fy.Auto, Storage: StorageClass(fy.Storage), Options: fy.Options,
		Min: fy.Min, Max: fy.Max, Format: fy.Format, NonNegative: fy.NonNegative,
		MaxLength: fy.MaxLength, Entity: fy.Entity,
	}
	if f.Type == "" {
		f.Type = FieldString
	}
	switch f.Type {
	case FieldString, FieldNumber, FieldDate, FieldBool, FieldReference:
	case FieldEnum:
		if len(f.Options) == 0 {
			return Field{}, fail("enum fields must declare options")
		}
	default:
		return Field{}, fail("unknown type %q", fy.Type)
	}
	switch f.Storage {
	case StorageJSON, StorageUniqueKey:
	case StorageForeignKey:
		if d.Kind != KindActivity {
			return Field{}, fail("storage foreign_key is only valid on activity twins")
		}
	default:
		return Field{}, fail("unknown storage %q", fy.Storage)
	}
	switch f.Auto {
	case "", AutoNow, AutoDate:
	default:
		return Field{}, fail("unknown auto %q", fy.Auto)
	}
	switch f.Format {
	case "", FormatAmount, FormatRate, FormatInteger, FormatMonth:
	default:
		return Field{}, fail("unknown format %q", fy.Format)
	}
	return f, nil
}

func resolveTimeKeyField(d *TwinDescriptor) string {
	for _, f := range d.Fields.All() {
		if f.Storage == StorageUniqueKey {
			return f.Name
		}
	}
	for _, k := range d.UniqueKey {
		if !isIDLike(k) {
			return k
		}
	}
	return ""
}
