package schema

// OperationKind is shared by the schema (root-type selection) and the
// operation package (the bound operation's declared kind).
type OperationKind uint8

const (
	OperationQuery OperationKind = iota
	OperationMutation
	OperationSubscription
)

func (k OperationKind) String() string {
	switch k {
	case OperationMutation:
		return "mutation"
	case OperationSubscription:
		return "subscription"
	default:
		return "query"
	}
}

// RootType returns the schema's root type for the given operation kind, and
// whether the schema declares one (every schema has Query; Mutation and
// Subscription are optional).
func (s *Schema) RootType(kind OperationKind) (TypeDefinitionId, bool) {
	switch kind {
	case OperationMutation:
		return s.MutationType()
	case OperationSubscription:
		return s.SubscriptionType()
	default:
		return s.queryType, true
	}
}
