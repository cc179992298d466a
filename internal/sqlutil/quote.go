// Package sqlutil holds identifier quoting and the per-store SQL dialects.
package sqlutil

import "strings"

// QuoteIdentifier wraps a table, column or alias name in backticks, doubling
// any backtick inside it. MySQL and SQLite both accept this form.
func QuoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteQualified quotes each non-empty part and joins them with dots, so
// ("u", "name") becomes `u`.`name` and ("", "name") becomes `name`.
func QuoteQualified(parts ...string) string {
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(QuoteIdentifier(part))
	}
	return b.String()
}
