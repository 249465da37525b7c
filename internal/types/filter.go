package types

// FilterNode is a node of the payload filter grammar (§4.D, wire form
// §6): a recursive tree whose leaves are single-field predicates and whose
// composite is a `bool` node with must/should/filter/must_not clauses.
// Modeled on the teacher's query AST node-marker-method pattern
// (internal/query/parser.go's Node interface), generalized from a string
// query DSL to this system's JSON filter grammar.
type FilterNode interface {
	filterNode()
}

// BoolNode is the composite node. Must and Filter clauses are conjunctive
// (both must match, Filter clauses do not affect relevance scoring in a
// full-text engine but this system has no scoring so the two behave
// identically); Should is a disjunction that matches if at least one
// clause matches when Must/Filter are empty, otherwise it is advisory;
// MustNot is a negated conjunction.
type BoolNode struct {
	Must    []FilterNode `json:"must,omitempty"`
	Should  []FilterNode `json:"should,omitempty"`
	Filter  []FilterNode `json:"filter,omitempty"`
	MustNot []FilterNode `json:"must_not,omitempty"`
}

func (*BoolNode) filterNode() {}

// leafBase carries the field name every leaf predicate shares, plus the
// ForceNotPayload hint (§4.D: "signals the value is a top-level system
// field rather than part of the JSON payload").
type leafBase struct {
	Field           string `json:"field"`
	ForceNotPayload bool   `json:"force_not_payload,omitempty"`
}

// MatchNode matches a field whose value, tokenized, contains all tokens of
// Value (analyzed/full-text-ish match, but this system does no analysis
// beyond a case-insensitive substring/token check — see the vector store's
// evaluator).
type MatchNode struct {
	leafBase
	Value string `json:"value"`
}

func (*MatchNode) filterNode() {}

// MatchPhraseNode requires the field value to contain Value as a
// contiguous phrase rather than an unordered set of tokens.
type MatchPhraseNode struct {
	leafBase
	Value string `json:"value"`
}

func (*MatchPhraseNode) filterNode() {}

// TermNode matches a field for exact equality to a single value.
type TermNode struct {
	leafBase
	Value interface{} `json:"value"`
}

func (*TermNode) filterNode() {}

// TermsNode matches a field whose value is exactly one of Values.
type TermsNode struct {
	leafBase
	Values []interface{} `json:"values"`
}

func (*TermsNode) filterNode() {}

// AllNode matches an array-valued field that contains every one of Values.
type AllNode struct {
	leafBase
	Values []interface{} `json:"values"`
}

func (*AllNode) filterNode() {}

// AnyNode matches an array-valued field that contains at least one of
// Values.
type AnyNode struct {
	leafBase
	Values []interface{} `json:"values"`
}

func (*AnyNode) filterNode() {}

// ExistsNode matches objects where Field is present (non-null) in the
// payload.
type ExistsNode struct {
	leafBase
}

func (*ExistsNode) filterNode() {}

// WildcardNode matches a string field against a glob-style pattern using
// `*`/`?` wildcards.
type WildcardNode struct {
	leafBase
	Pattern string `json:"pattern"`
}

func (*WildcardNode) filterNode() {}

// RangeNode matches a numeric or comparable field against an inclusive
// [Gte, Lte] / exclusive [Gt, Lt] window; any subset of the four bounds may
// be set.
type RangeNode struct {
	leafBase
	Gt  *float64 `json:"gt,omitempty"`
	Gte *float64 `json:"gte,omitempty"`
	Lt  *float64 `json:"lt,omitempty"`
	Lte *float64 `json:"lte,omitempty"`
}

func (*RangeNode) filterNode() {}

// Leaf constructors. leafBase is unexported so callers outside this package
// (the wire decoder, tests, workflows building filters programmatically)
// build leaves through these rather than a struct literal naming the
// embedded field.

func NewMatch(field, value string) *MatchNode {
	return &MatchNode{leafBase: leafBase{Field: field}, Value: value}
}

func NewMatchPhrase(field, value string) *MatchPhraseNode {
	return &MatchPhraseNode{leafBase: leafBase{Field: field}, Value: value}
}

func NewTerm(field string, value interface{}) *TermNode {
	return &TermNode{leafBase: leafBase{Field: field}, Value: value}
}

func NewTermForceNotPayload(field string, value interface{}) *TermNode {
	return &TermNode{leafBase: leafBase{Field: field, ForceNotPayload: true}, Value: value}
}

func NewTerms(field string, values []interface{}) *TermsNode {
	return &TermsNode{leafBase: leafBase{Field: field}, Values: values}
}

func NewAll(field string, values []interface{}) *AllNode {
	return &AllNode{leafBase: leafBase{Field: field}, Values: values}
}

func NewAny(field string, values []interface{}) *AnyNode {
	return &AnyNode{leafBase: leafBase{Field: field}, Values: values}
}

func NewExists(field string) *ExistsNode {
	return &ExistsNode{leafBase: leafBase{Field: field}}
}

func NewWildcard(field, pattern string) *WildcardNode {
	return &WildcardNode{leafBase: leafBase{Field: field}, Pattern: pattern}
}

func NewRange(field string, gt, gte, lt, lte *float64) *RangeNode {
	return &RangeNode{leafBase: leafBase{Field: field}, Gt: gt, Gte: gte, Lt: lt, Lte: lte}
}
