package schema

import "strings"

// parseFieldSet parses a federation selection-set string, e.g.
// `id shipping{weight}`, into a FieldSet resolved against parentType's
// fields. This is the one piece of "SDL support" a composed supergraph
// needs beyond plain type-system syntax (join directives carry these as
// opaque strings, not as real selection-set AST nodes) — there is no
// off-the-shelf parser for this micro-grammar in the corpus, so it is
// hand-rolled, deliberately small.
func parseFieldSet(raw string, parentType TypeDefinitionId, resolve func(TypeDefinitionId, string) (FieldDefinitionId, TypeDefinitionId, bool)) (FieldSet, error) {
	toks := tokenizeFieldSet(raw)
	fs, rest, err := parseSelectionList(toks, parentType, resolve)
	if err != nil {
		return FieldSet{}, err
	}
	if len(rest) != 0 {
		return FieldSet{}, buildErrorf("field-set", nil, "unexpected trailing tokens in field-set %q", raw)
	}
	return fs, nil
}

func tokenizeFieldSet(raw string) []string {
	var toks []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	for _, r := range raw {
		switch r {
		case '{', '}':
			flush()
			toks = append(toks, string(r))
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

func parseSelectionList(toks []string, parentType TypeDefinitionId, resolve func(TypeDefinitionId, string) (FieldDefinitionId, TypeDefinitionId, bool)) (FieldSet, []string, error) {
	var fs FieldSet
	for len(toks) > 0 {
		if toks[0] == "}" {
			return fs, toks, nil
		}
		name := toks[0]
		toks = toks[1:]

		fieldId, fieldType, ok := resolve(parentType, name)
		if !ok {
			return FieldSet{}, nil, buildErrorf(name, nil, "field-set references unknown field %q", name)
		}

		sel := FieldSetSelection{Field: fieldId}
		if len(toks) > 0 && toks[0] == "{" {
			toks = toks[1:]
			nested, rest, err := parseSelectionList(toks, fieldType, resolve)
			if err != nil {
				return FieldSet{}, nil, err
			}
			if len(rest) == 0 || rest[0] != "}" {
				return FieldSet{}, nil, buildErrorf(name, nil, "unterminated nested field-set")
			}
			toks = rest[1:]
			sel.Nested = nested
		}
		fs.Selections = append(fs.Selections, sel)
	}
	return fs, toks, nil
}
