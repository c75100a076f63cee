package queryir

import (
	"errors"
	"fmt"

	"github.com/roach88/itemsync/internal/model"
)

// Validate checks that a query can be compiled by a backend.
// It returns all problems found, joined into one error.
func Validate(q Query) error {
	if q.Limit < 0 {
		return fmt.Errorf("limit must be >= 0, got %d", q.Limit)
	}
	v := &validator{}
	if q.Filter != nil {
		v.validatePredicate(q.Filter)
	}
	return errors.Join(v.errs...)
}

type validator struct {
	errs []error
}

func (v *validator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case FieldEquals:
		v.validateFieldEquals(pred)
	case *FieldEquals:
		v.validateFieldEquals(*pred)
	case StateIn:
		v.validateStateIn(pred)
	case *StateIn:
		v.validateStateIn(*pred)
	case Pending, *Pending:
		// always valid
	case IDIn:
		v.validateIDIn(pred)
	case *IDIn:
		v.validateIDIn(*pred)
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	case nil:
		v.addError("nil predicate")
	default:
		v.addError("unsupported predicate type: %T", p)
	}
}

func (v *validator) validateFieldEquals(eq FieldEquals) {
	if err := model.ValidateFieldName(eq.Field); err != nil {
		v.addError("field equals: %w", err)
	}
	switch eq.Value.(type) {
	case model.String, model.Int, model.Bool:
	default:
		v.addError("field equals %q: only string, int and bool literals are comparable, got %T", eq.Field, eq.Value)
	}
}

func (v *validator) validateStateIn(s StateIn) {
	if len(s.States) == 0 {
		v.addError("state in: at least one state is required")
	}
	for _, st := range s.States {
		if !st.Valid() {
			v.addError("state in: unknown state %q", st)
		}
	}
}

func (v *validator) validateIDIn(in IDIn) {
	if len(in.IDs) == 0 {
		v.addError("id in: at least one id is required")
	}
}

func (v *validator) validateAnd(and And) {
	for _, p := range and.Predicates {
		v.validatePredicate(p)
	}
}
