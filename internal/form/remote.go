// internal/form/remote.go
//
// Formgate – Forms subsystem: server field names and remote error maps.
//
// Context
//   The backend speaks snake_case and a few domain-specific names
//   (kode_barang → KodeBarang).  FieldNames translates in both directions:
//   outgoing values are renamed before a request, and the field errors a
//   rejected submission returns are renamed back onto schema fields.
//   Names missing from the table fall back to snake_case ↔ camelCase.
//
//------------------------------------------------------------------------------

package form

import (
	"sort"
	"strings"
	"unicode"
)

// RemoteErrorMap is a server response's field errors keyed by server name.
type RemoteErrorMap map[string][]string

// FieldNames is a bidirectional server ↔ client name table.  The zero value
// is usable and applies the case-conversion fallback only.
type FieldNames struct {
	toClient map[string]string
	toServer map[string]string
}

// NewFieldNames builds a table from server → client pairs.
func NewFieldNames(serverToClient map[string]string) FieldNames {
	fn := FieldNames{
		toClient: make(map[string]string, len(serverToClient)),
		toServer: make(map[string]string, len(serverToClient)),
	}
	for server, client := range serverToClient {
		fn.toClient[server] = client
		fn.toServer[client] = server
	}
	return fn
}

// ToClient maps a server identifier to a client field name.
func (fn FieldNames) ToClient(server string) string {
	if c, ok := fn.toClient[server]; ok {
		return c
	}
	return CamelCase(server)
}

// ToServer maps a client field name to a server identifier.
func (fn FieldNames) ToServer(client string) string {
	if s, ok := fn.toServer[client]; ok {
		return s
	}
	return SnakeCase(client)
}

// TranslateValues renames values for an outgoing request.
func (fn FieldNames) TranslateValues(v Values) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[fn.ToServer(k)] = val
	}
	return out
}

// TranslateErrors renames a remote error map onto client fields.  Entries
// whose translated name is not known to s are returned as form-level
// messages so nothing is dropped.  Messages are trimmed, de-duplicated, and
// joined with "; " to fit the one-message-per-field shape.
func (fn FieldNames) TranslateErrors(remote RemoteErrorMap, s Schema) (fields map[string]string, formLevel []string) {
	fields = make(map[string]string)
	collected := make(map[string][]string)

	// Sorted for deterministic form-level ordering.
	keys := make([]string, 0, len(remote))
	for k := range remote {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, server := range keys {
		msgs := normalizeMessages(remote[server])
		if len(msgs) == 0 {
			continue
		}
		key := strings.TrimSpace(server)
		if isFormLevelKey(key) {
			formLevel = append(formLevel, msgs...)
			continue
		}
		client := fn.ToClient(key)
		if !s.HasField(client) {
			formLevel = append(formLevel, msgs...)
			continue
		}
		collected[client] = append(collected[client], msgs...)
	}

	for name, msgs := range collected {
		fields[name] = strings.Join(normalizeMessages(msgs), "; ")
	}
	return fields, normalizeMessages(formLevel)
}

func isFormLevelKey(k string) bool {
	switch strings.ToLower(k) {
	case "", "_", "*", "form", "_form", "non_field_errors", "__all__":
		return true
	}
	return false
}

func normalizeMessages(msgs []string) []string {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]string, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		t := strings.TrimSpace(m)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// -----------------------------------------------------------------------------
// Case conversion
// -----------------------------------------------------------------------------

// CamelCase converts snake_case to camelCase: "cost_price" → "costPrice".
func CamelCase(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	first := true
	for _, p := range parts {
		if p == "" {
			continue
		}
		if first {
			b.WriteString(p)
			first = false
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// SnakeCase converts camelCase or PascalCase to snake_case:
// "sellingPrice" → "selling_price", "KodeBarang" → "kode_barang".
func SnakeCase(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 4)
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
