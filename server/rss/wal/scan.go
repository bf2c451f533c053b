package wal

// Scanner iterates log records forward from a starting LSN, honoring
// the durable LSN as the visibility boundary and skipping EOF marker
// records, as a lazy iterator rather than materializing the range.
type Scanner struct {
	m         *Manager
	cursor    LSN
	exhausted bool
}

// ForwardScan returns a lazy iterator starting at from (inclusive). A
// null from starts at the first record of the log.
func (m *Manager) ForwardScan(from LSN) *Scanner {
	if from.IsNull() {
		from = LSN{0, fileHeaderSize}
	}
	return &Scanner{m: m, cursor: from}
}

// Next returns the next visible record, or (nil, nil) at EOF.
func (s *Scanner) Next() (*Record, error) {
	if s.exhausted {
		return nil, nil
	}
	for {
		if s.cursor.GreaterOrEqual(s.m.DurableLSN()) {
			s.exhausted = true
			return nil, nil
		}

		rec, err := s.m.Read(s.cursor)
		if err != nil {
			s.exhausted = true
			return nil, err
		}
		s.cursor = LSN{s.cursor.FileIndex, s.cursor.Offset + int32(rec.encodedLen())}

		if rec.IsEOF() {
			s.cursor = LSN{s.cursor.FileIndex + 1, fileHeaderSize}
			continue
		}
		return rec, nil
	}
}
