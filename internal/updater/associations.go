package updater

import "slices"

type AssociationKind string

const (
	AssocActive     AssociationKind = "active"
	AssocFunctional AssociationKind = "functional"
	AssocUpdateable AssociationKind = "updateable"
)

type Association struct {
	Kind AssociationKind `json:"kind"`
	ID   string          `json:"id"`
}

// associations keeps the order entries were added in so enumeration is stable.
type associations struct {
	list []Association
}

// add reports whether the association was new.
func (a *associations) add(kind AssociationKind, id string) bool {
	if a.has(kind, id) {
		return false
	}
	a.list = append(a.list, Association{Kind: kind, ID: id})
	return true
}

func (a *associations) has(kind AssociationKind, id string) bool {
	return slices.Contains(a.list, Association{Kind: kind, ID: id})
}

// removeAll drops every association of id and returns the ones removed.
func (a *associations) removeAll(id string) []Association {
	var removed []Association
	a.list = slices.DeleteFunc(a.list, func(as Association) bool {
		if as.ID == id {
			removed = append(removed, as)
			return true
		}
		return false
	})
	return removed
}

func (a *associations) all() []Association {
	return slices.Clone(a.list)
}
