package core

import "sort"

// Kind names an entity type in the ledger.
type Kind string

const (
	KindCategory    Kind = "category"
	KindBudget      Kind = "budget"
	KindAllocation  Kind = "allocation"
	KindTransaction Kind = "transaction"
)

// Op is a mutation applied to a single entity.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Entity is implemented by every ledger record.
type Entity interface {
	EntityKind() Kind
	EntityID() string
	Metadata() Meta
}

// Key identifies one entity across the cache, the queue and the ledger.
type Key struct {
	Kind Kind
	ID   string
}

func (k Key) String() string { return string(k.Kind) + "/" + k.ID }

// KeyOf returns the key of e.
func KeyOf(e Entity) Key { return Key{Kind: e.EntityKind(), ID: e.EntityID()} }

func (m Meta) Metadata() Meta { return m }

func (Category) EntityKind() Kind    { return KindCategory }
func (Budget) EntityKind() Kind      { return KindBudget }
func (Allocation) EntityKind() Kind  { return KindAllocation }
func (Transaction) EntityKind() Kind { return KindTransaction }

func (c Category) EntityID() string    { return c.ID }
func (b Budget) EntityID() string      { return b.ID }
func (a Allocation) EntityID() string  { return a.ID }
func (t Transaction) EntityID() string { return t.ID }

// References returns the keys e points at. Creating or updating e requires
// every referenced entity to exist in the ledger first.
func References(e Entity) []Key {
	switch v := e.(type) {
	case Transaction:
		refs := []Key{{Kind: KindCategory, ID: v.CategoryID}}
		if v.BudgetID != "" {
			refs = append(refs, Key{Kind: KindBudget, ID: v.BudgetID})
		}
		return refs
	case Allocation:
		return []Key{
			{Kind: KindBudget, ID: v.BudgetID},
			{Kind: KindCategory, ID: v.CategoryID},
		}
	}
	return nil
}

// AffectedBudgets returns the sorted, de-duplicated budget ids whose rollups
// depend on any of the given entities. Nil entities are skipped.
func AffectedBudgets(entities ...Entity) []string {
	seen := make(map[string]struct{})
	for _, e := range entities {
		if e == nil {
			continue
		}
		var id string
		switch v := e.(type) {
		case Budget:
			id = v.ID
		case Allocation:
			id = v.BudgetID
		case Transaction:
			id = v.BudgetID
		}
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WithMeta returns a copy of e carrying meta.
func WithMeta(e Entity, meta Meta) Entity {
	switch v := e.(type) {
	case Category:
		v.Meta = meta
		return v
	case Budget:
		v.Meta = meta
		return v
	case Allocation:
		v.Meta = meta
		return v
	case Transaction:
		v.Meta = meta
		return v
	}
	return e
}

// Validate runs the entity's own validation.
func Validate(e Entity) error {
	switch v := e.(type) {
	case Category:
		return v.Validate()
	case Budget:
		return v.Validate()
	case Allocation:
		return v.Validate()
	case Transaction:
		return v.Validate()
	}
	return nil
}

// SamePayload reports whether a and b carry the same caller-supplied fields.
// Ledger-assigned Meta is ignored.
func SamePayload(a, b Entity) bool {
	switch x := a.(type) {
	case Category:
		y, ok := b.(Category)
		return ok && x.ID == y.ID && x.UserID == y.UserID && x.Label == y.Label &&
			x.Kind == y.Kind && x.Color == y.Color
	case Budget:
		y, ok := b.(Budget)
		return ok && x.ID == y.ID && x.UserID == y.UserID && x.Name == y.Name &&
			x.Total == y.Total && x.Month == y.Month && x.Year == y.Year && statusOrActive(x.Status) == statusOrActive(y.Status)
	case Allocation:
		y, ok := b.(Allocation)
		return ok && x.ID == y.ID && x.UserID == y.UserID && x.BudgetID == y.BudgetID &&
			x.CategoryID == y.CategoryID && x.Amount == y.Amount &&
			x.Date.String() == y.Date.String() && x.Description == y.Description
	case Transaction:
		y, ok := b.(Transaction)
		return ok && x.ID == y.ID && x.UserID == y.UserID && x.Type == y.Type &&
			x.Amount == y.Amount && x.CategoryID == y.CategoryID && x.BudgetID == y.BudgetID &&
			x.Date.String() == y.Date.String() && x.Description == y.Description &&
			x.PaymentMethod == y.PaymentMethod
	}
	return false
}

// statusOrActive is the status a ledger assigns to a budget created without one.
func statusOrActive(s BudgetStatus) BudgetStatus {
	if s == "" {
		return BudgetActive
	}
	return s
}
