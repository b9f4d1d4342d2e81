package sqlstore

// SegmentKind classifies a piece of SQL text produced by Scan.
type SegmentKind int

const (
	// SegmentText is plain SQL (including literals and comments).
	SegmentText SegmentKind = iota
	// SegmentPlaceholder is a bare '?' outside literals.
	SegmentPlaceholder
	// SegmentNamed is a ':name' token outside literals; Text holds the name.
	SegmentNamed
)

// Segment is one lexical piece of a query.
type Segment struct {
	Kind SegmentKind
	Text string
}

// Scan walks query and reports text, '?' markers and ':name' tokens in order.
// Quoted strings, quoted identifiers, line and block comments, and '::' casts
// are reported as text.
func Scan(query string, emit func(Segment)) {
	start := 0
	flush := func(end int) {
		if end > start {
			emit(Segment{Kind: SegmentText, Text: query[start:end]})
		}
	}
	i := 0
	for i < len(query) {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			i = skipQuoted(query, i, c)
		case c == '-' && i+1 < len(query) && query[i+1] == '-':
			for i < len(query) && query[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < len(query) && query[i+1] == '*':
			i += 2
			for i+1 < len(query) && (query[i] != '*' || query[i+1] != '/') {
				i++
			}
			i += 2
			if i > len(query) {
				i = len(query)
			}
		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			i += 2
		case c == ':' && i+1 < len(query) && isIdentStart(query[i+1]):
			flush(i)
			j := i + 1
			for j < len(query) && isIdentPart(query[j]) {
				j++
			}
			emit(Segment{Kind: SegmentNamed, Text: query[i+1 : j]})
			i = j
			start = j
		case c == '?':
			flush(i)
			emit(Segment{Kind: SegmentPlaceholder, Text: "?"})
			i++
			start = i
		default:
			i++
		}
	}
	flush(len(query))
}

func skipQuoted(query string, i int, quote byte) int {
	i++
	for i < len(query) {
		if query[i] == quote {
			if i+1 < len(query) && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
