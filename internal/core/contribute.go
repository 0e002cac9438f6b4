package core

import (
	"context"

	"metaindex/pkg/domain"
)

// Contribute writes contributions and returns how many each entity received.
// Contributions that had to overwrite an existing document are not counted,
// so a tally may be zero; such entities still need aggregation.
func (s *IndexService) Contribute(ctx context.Context, contributions []*domain.Contribution) (domain.Tallies, error) {
	var tallies domain.Tallies
	err := s.observe(ctx, "contribute", func(ctx context.Context) error {
		tallies = domain.Tallies{}
		for _, c := range contributions {
			tallies.Add(c.Entity, 1)
		}
		writer := s.newWriter()
		pending := contributions
		for len(pending) > 0 {
			if err := writer.Write(ctx, asDocuments(pending)); err != nil {
				return err
			}
			pending = retained(writer, pending)
		}
		if err := writer.RaiseOnErrors(); err != nil {
			return err
		}
		for _, c := range contributions {
			if c.VersionType == domain.VersionNone {
				tallies.Add(c.Entity, -1)
			}
		}
		s.logger.Info("wrote contributions", "contributions", len(contributions), "entities", len(tallies))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tallies, nil
}

func asDocuments[D domain.Document](in []D) []domain.Document {
	out := make([]domain.Document, len(in))
	for i, d := range in {
		out[i] = d
	}
	return out
}
