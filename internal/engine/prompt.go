package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"garrison/internal/domain"
)

// buildPromptTx renders the opening prompt for an agent picking up a
// directive. Prior-attempt chat history (earlier assignments, review
// feedback) is folded in so a reassigned directive does not start cold.
func (e *Engine) buildPromptTx(ctx context.Context, tx *sql.Tx, d domain.Directive) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", d.Title)
	if d.Description != "" {
		b.WriteString(d.Description)
		b.WriteString("\n\n")
	}
	if d.AcceptanceCriteria != "" {
		b.WriteString("## Acceptance criteria\n\n")
		b.WriteString(d.AcceptanceCriteria)
		b.WriteString("\n\n")
	}
	if len(d.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(d.Labels, ", "))
	}
	fmt.Fprintf(&b, "Priority: %s\n", d.Priority)

	history, err := e.Repo.DirectiveChatHistory(ctx, tx, d.ID)
	if err != nil {
		return "", err
	}
	if len(history) > 0 {
		b.WriteString("\n## Previous attempts\n\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "[%s] %s\n", entry.Role, entry.Body)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
