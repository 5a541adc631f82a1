package export

import (
	"context"
	"fmt"
	"sort"

	"fieldshare/internal/mapping"
	"fieldshare/internal/store"
)

// Service renders receipts. The PDF step is replaceable for tests.
type Service struct {
	pdf func(ctx context.Context, html string) ([]byte, error)
}

func NewService() *Service {
	return &Service{pdf: renderPDF}
}

// Export renders receipt in the requested format.
func (s *Service) Export(ctx context.Context, receipt Receipt, format Format) (*Result, error) {
	html, err := RenderReceiptHTML(receipt)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}
	name := sanitizeFilename(fmt.Sprintf("%s %s %s", receipt.SchemaKey, receipt.Institution, receipt.CommitID))

	switch format {
	case FormatHTML, "":
		return &Result{
			Data:     []byte(html),
			Filename: name + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		data, err := s.pdf(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: name + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// ReceiptFromCommit builds a receipt for commit, resolving target fields through table.
func ReceiptFromCommit(commit store.Commit, institution store.Institution, table mapping.Table) Receipt {
	return Receipt{
		CommitID:        commit.ID,
		SchemaKey:       commit.SchemaKey,
		Institution:     commit.Institution,
		InstitutionName: institution.Name,
		Kind:            commit.Kind,
		Message:         commit.Message,
		Author:          commit.AuthorName,
		RevertsID:       commit.RevertsID,
		HistoryHash:     commit.HistoryHash,
		CreatedAt:       commit.CreatedAt,
		Manual:          receiptEntries(commit.Manual, table),
		Automated:       receiptEntries(commit.Automated, table),
		Removed:         receiptEntries(commit.Removed, table),
	}
}

func receiptEntries(entries []store.CommitEntry, table mapping.Table) []ReceiptEntry {
	out := make([]ReceiptEntry, 0, len(entries))
	for _, entry := range entries {
		target, _ := table.Target(entry.UniqueID)
		out = append(out, ReceiptEntry{Name: entry.Name, UniqueID: entry.UniqueID, TargetField: target})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UniqueID < out[j].UniqueID })
	return out
}
