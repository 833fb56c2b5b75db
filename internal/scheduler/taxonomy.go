package scheduler

import (
	"fmt"

	"github.com/sqlfanout/reportcore/internal/errs"
)

// taxonomyField names one of the plain string sets carried in Settings.
type taxonomyField int

const (
	FieldFinancialYears taxonomyField = iota
	FieldPartners
	FieldJobGroups
	FieldStores
	FieldOperators
	FieldNotificationChannels
)

func (s *Scheduler) taxonomySlice(field taxonomyField) *[]string {
	switch field {
	case FieldFinancialYears:
		return &s.doc.Settings.FinancialYears
	case FieldPartners:
		return &s.doc.Settings.Partners
	case FieldJobGroups:
		return &s.doc.Settings.JobGroups
	case FieldStores:
		return &s.doc.Settings.Stores
	case FieldOperators:
		return &s.doc.Settings.Operators
	case FieldNotificationChannels:
		return &s.doc.Settings.NotificationChannels
	default:
		return nil
	}
}

// AddTaxonomyValue appends value to field's set, refusing a duplicate.
func (s *Scheduler) AddTaxonomyValue(field taxonomyField, value string) error {
	s.mu.Lock()
	slice := s.taxonomySlice(field)
	for _, v := range *slice {
		if v == value {
			s.mu.Unlock()
			return fmt.Errorf("%w: value %q already present", errs.ErrConflict, value)
		}
	}
	*slice = append(*slice, value)
	s.mu.Unlock()
	return s.SaveConfig()
}

// RemoveTaxonomyValue removes value from field's set.
func (s *Scheduler) RemoveTaxonomyValue(field taxonomyField, value string) error {
	s.mu.Lock()
	slice := s.taxonomySlice(field)
	idx := -1
	for i, v := range *slice {
		if v == value {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: value %q", errs.ErrNotFound, value)
	}
	*slice = append((*slice)[:idx], (*slice)[idx+1:]...)
	s.mu.Unlock()
	return s.SaveConfig()
}

// ListTaxonomyValues returns a snapshot copy of field's set.
func (s *Scheduler) ListTaxonomyValues(field taxonomyField) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	slice := s.taxonomySlice(field)
	out := make([]string, len(*slice))
	copy(out, *slice)
	return out
}
