// Package element describes the shape the Upsert Engine walks: one
// Descriptor per declared element of a resource type, replacing the
// ad-hoc recursion a dynamic map-of-string-to-any representation would
// otherwise require (SPEC_FULL.md §9, "Re-architecture strategies").
package element

import "strings"

// Cardinality distinguishes a single value from a repeating list.
type Cardinality int

const (
	CardOne Cardinality = iota
	CardMany
)

// Descriptor is one declared element of a resource type's schema: its
// name, whether it is primitive or composite, its cardinality, and —
// for choice-typed elements like value[x] — the ordered list of
// candidate suffixes to probe.
type Descriptor struct {
	Name        string
	Primitive   bool
	Cardinality Cardinality

	// Choice is non-empty for elements like "value[x]": Name is the
	// element's base name ("value") and Choice lists the type suffixes
	// tried in declared order ("Quantity", "CodeableConcept", "string",
	// ...). The first one present in the incoming JSON wins and its
	// discriminator ("valueQuantity") becomes the JSON key read/written.
	Choice []string

	// Composite holds the child schema for composite elements
	// (Cardinality and Choice still apply at this level; Composite
	// describes each instance's own elements).
	Composite Schema

	// IsReference marks primitive elements of type Reference, so the
	// Upsert Engine knows to classify and resolve .reference rather than
	// treat the value as an opaque scalar.
	IsReference bool

	// IsCode marks primitive elements that carry a terminology code
	// needing interning (Coding.code, CodeSystem.concept.code, ...).
	IsCode bool
}

// ChoiceKey returns the JSON key used for a present choice-typed
// element, e.g. "value" + "Quantity" -> "valueQuantity".
func (d Descriptor) ChoiceKey(variant string) string {
	if len(variant) == 0 {
		return d.Name
	}
	return d.Name + strings.ToUpper(variant[:1]) + variant[1:]
}

// Schema is the ordered element list for one resource type (or one
// composite element's own children).
type Schema []Descriptor

// registry holds the schemas this store knows how to diff precisely.
// A resource type absent from the registry still stores and round-trips
// correctly; it just diffs as a single opaque composite (Fallback),
// matching SPEC_FULL.md's "generic fallback to an element tree".
var registry = map[string]Schema{
	"Patient":     patientSchema,
	"Observation": observationSchema,
}

// Lookup returns the declared schema for a resource type, or Fallback
// if the type has no precise schema registered.
func Lookup(resourceType string) Schema {
	if s, ok := registry[resourceType]; ok {
		return s
	}
	return Fallback
}

// Fallback treats every top-level field as a single opaque primitive,
// so unknown resource types still diff (replace-if-different) rather
// than crashing the Upsert Engine.
var Fallback = Schema{}

var patientSchema = Schema{
	{Name: "identifier", Primitive: false, Cardinality: CardMany, Composite: identifierSchema},
	{Name: "active", Primitive: true, Cardinality: CardOne},
	{Name: "name", Primitive: false, Cardinality: CardMany, Composite: humanNameSchema},
	{Name: "gender", Primitive: true, Cardinality: CardOne},
	{Name: "birthDate", Primitive: true, Cardinality: CardOne},
	{Name: "deceasedBoolean", Primitive: true, Cardinality: CardOne},
	{Name: "address", Primitive: false, Cardinality: CardMany, Composite: addressSchema},
	{Name: "generalPractitioner", Primitive: true, Cardinality: CardMany, IsReference: true},
}

var observationSchema = Schema{
	{Name: "status", Primitive: true, Cardinality: CardOne},
	{Name: "category", Primitive: false, Cardinality: CardMany, Composite: codeableConceptSchema},
	{Name: "code", Primitive: false, Cardinality: CardOne, Composite: codeableConceptSchema},
	{Name: "subject", Primitive: true, Cardinality: CardOne, IsReference: true},
	{Name: "encounter", Primitive: true, Cardinality: CardOne, IsReference: true},
	{
		Name:        "value",
		Cardinality: CardOne,
		Choice:      []string{"Quantity", "CodeableConcept", "string", "boolean", "integer"},
		Composite:   quantitySchema, // walked for every composite variant, CodeableConcept included, so a valueCodeableConcept's codings are not interned
	},
	{Name: "component", Primitive: false, Cardinality: CardMany, Composite: observationComponentSchema},
}

var observationComponentSchema = Schema{
	{Name: "code", Primitive: false, Cardinality: CardOne, Composite: codeableConceptSchema},
	{
		Name:        "value",
		Cardinality: CardOne,
		Choice:      []string{"Quantity", "CodeableConcept", "string"},
		Composite:   quantitySchema,
	},
}

var identifierSchema = Schema{
	{Name: "system", Primitive: true, Cardinality: CardOne},
	{Name: "value", Primitive: true, Cardinality: CardOne},
}

var humanNameSchema = Schema{
	{Name: "use", Primitive: true, Cardinality: CardOne},
	{Name: "family", Primitive: true, Cardinality: CardOne},
	{Name: "given", Primitive: true, Cardinality: CardMany},
}

var addressSchema = Schema{
	{Name: "use", Primitive: true, Cardinality: CardOne},
	{Name: "line", Primitive: true, Cardinality: CardMany},
	{Name: "city", Primitive: true, Cardinality: CardOne},
	{Name: "postalCode", Primitive: true, Cardinality: CardOne},
}

var codeableConceptSchema = Schema{
	{Name: "coding", Primitive: false, Cardinality: CardMany, Composite: codingSchema},
	{Name: "text", Primitive: true, Cardinality: CardOne},
}

var codingSchema = Schema{
	{Name: "system", Primitive: true, Cardinality: CardOne, IsCode: true},
	{Name: "version", Primitive: true, Cardinality: CardOne},
	{Name: "code", Primitive: true, Cardinality: CardOne, IsCode: true},
	{Name: "display", Primitive: true, Cardinality: CardOne},
}

var quantitySchema = Schema{
	{Name: "value", Primitive: true, Cardinality: CardOne},
	{Name: "unit", Primitive: true, Cardinality: CardOne},
	{Name: "system", Primitive: true, Cardinality: CardOne},
	{Name: "code", Primitive: true, Cardinality: CardOne},
}
