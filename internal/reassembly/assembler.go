// Package reassembly rebuilds a manuscript from its persisted segment results
// and runs the finishing pass over the result.
package reassembly

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/storybook/internal/logging"
	"github.com/fyrsmithlabs/storybook/internal/manuscript"
)

// ParagraphDelimiter separates reassembled pieces.
const ParagraphDelimiter = "\n\n"

// Assembler concatenates succeeded improvement results in index order.
type Assembler struct {
	store  manuscript.Store
	logger *zap.Logger
}

// NewAssembler creates an Assembler. A nil logger discards output.
func NewAssembler(store manuscript.Store, logger *zap.Logger) (*Assembler, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assembler{store: store, logger: logger}, nil
}

// Assemble returns the improved manuscript for projectID.
//
// Every index 1..TotalSegments must hold a succeeded improvement result;
// otherwise *manuscript.IncompleteManuscriptError names the first index that
// does not. Pieces are trimmed and joined with ParagraphDelimiter.
func (a *Assembler) Assemble(ctx context.Context, projectID string) (string, error) {
	state, err := a.store.GetState(ctx, projectID)
	if err != nil {
		return "", fmt.Errorf("failed to load project state: %w", err)
	}

	results, err := a.store.ListResults(ctx, projectID, manuscript.StageImprovement)
	if err != nil {
		return "", fmt.Errorf("failed to list results: %w", err)
	}

	pieces, err := collect(projectID, manuscript.StageImprovement, state.TotalSegments, results,
		func(r manuscript.SegmentResult) string { return r.RevisedText })
	if err != nil {
		return "", err
	}
	text := strings.Join(pieces, ParagraphDelimiter)

	a.logger.Info("manuscript reassembled", append(logging.ContextFields(logging.WithProjectID(ctx, projectID)),
		zap.Int("segments", state.TotalSegments),
		zap.Int("chars", len(text)),
	)...)
	return text, nil
}

// collect returns the trimmed pick(result) for indices 1..total in order. Empty
// pieces keep their slot.
func collect(projectID string, stage manuscript.Stage, total int, results []manuscript.SegmentResult, pick func(manuscript.SegmentResult) string) ([]string, error) {
	byIndex := make(map[int]manuscript.SegmentResult, len(results))
	for _, r := range results {
		byIndex[r.SegmentIndex] = r
	}

	pieces := make([]string, 0, total)
	for i := 1; i <= total; i++ {
		r, ok := byIndex[i]
		if !ok || r.Status != manuscript.StatusSucceeded {
			return nil, &manuscript.IncompleteManuscriptError{
				ProjectID: projectID,
				Stage:     stage,
				Index:     i,
				Status:    r.Status,
			}
		}
		pieces = append(pieces, strings.TrimSpace(pick(r)))
	}
	return pieces, nil
}
