package sip

const (
	paramsStateKey = iota
	paramsStateEqual
	paramsStateValue
	paramsStateQuote
	paramsStateQuoteEnd
)

// UnmarshalParams parses a ";k=v;k=v" (or "&"-joined, etc.) style param
// list out of s, stopping at the first occurrence of ending (or the end of
// the string if ending is 0), and adds each pair into p. Returns the index
// at which it stopped.
func UnmarshalParams(s string, separator rune, ending rune, p HeaderParams) (n int, err error) {
	var start, sep int
	quote := -1
	state := paramsStateKey
	n = len(s)

	for i, c := range s {
		if c == ending && ending != 0 {
			n = i
			break
		}

		switch state {
		case paramsStateKey:
			sep = 0
			start = i
			state = paramsStateEqual

		case paramsStateEqual:
			if c == separator {
				p.Add(s[start:i], "")
				state = paramsStateKey
				continue
			}
			if c != '=' {
				continue
			}
			sep = i
			state = paramsStateValue

		case paramsStateValue:
			switch c {
			case '"':
				state = paramsStateQuote
				quote = i
			case separator:
				p.Add(s[start:sep], s[sep+1:i])
				start = sep + 1
				state = paramsStateKey
			}

		case paramsStateQuote:
			if c != '"' {
				continue
			}
			p.Add(s[start:sep], s[quote+1:i])
			start = sep + 1
			state = paramsStateQuoteEnd

		case paramsStateQuoteEnd:
			if c == separator {
				state = paramsStateKey
			}
		}
	}

	if sep > 0 && start < sep {
		p.Add(s[start:sep], s[sep+1:n])
	}
	if sep == 0 && start < n {
		p.Add(s[start:], "")
	}

	return n, nil
}
