package nervusdb

import (
	"github.com/ysankpia/nervusdb/pkg/cypher"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Stream is a lazy row stream over one snapshot. Rows are produced as Next
// is called, so a caller can stop early without the rest being computed.
//
//	s, err := db.QueryStream(ctx, "MATCH (n) RETURN n.name AS name", nil)
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	for s.Next() {
//		fmt.Println(s.Record()["name"])
//	}
//	return s.Err()
type Stream struct {
	res    *cypher.Result
	rerun  func() (*cypher.Result, error)
	row    []value.Value
	err    error
	done   bool
	length int // -1 until counted
}

func newStream(res *cypher.Result, rerun func() (*cypher.Result, error)) *Stream {
	return &Stream{res: res, rerun: rerun, length: -1}
}

// Columns returns the column names in order.
func (s *Stream) Columns() []string { return s.res.Columns() }

// Next advances to the next row. It returns false at the end of the stream
// or on error; calling it again after that keeps returning false.
func (s *Stream) Next() bool {
	if s.done {
		return false
	}
	row, ok, err := s.res.Next()
	if err != nil || !ok {
		s.err = err
		s.done = true
		s.row = nil
		return false
	}
	s.row = row
	return true
}

// Values returns the current row in column order.
func (s *Stream) Values() []value.Value { return s.row }

// Record returns the current row keyed by column name, or nil when there is
// no current row.
func (s *Stream) Record() Record {
	if s.row == nil {
		return nil
	}
	return makeRecord(s.res.Columns(), s.row)
}

// Err returns the error that ended the stream, if any.
func (s *Stream) Err() error { return s.err }

// Len returns the total number of rows of the statement, independent of how
// far the stream has been consumed. It is computed once by a counting pass
// over the same snapshot.
func (s *Stream) Len() (int, error) {
	if s.length >= 0 {
		return s.length, nil
	}
	res, err := s.rerun()
	if err != nil {
		return 0, err
	}
	defer res.Close()
	n := 0
	for {
		_, ok, err := res.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		n++
	}
	s.length = n
	return n, nil
}

// Close releases the stream. Further calls to Next return false.
func (s *Stream) Close() {
	s.done = true
	s.row = nil
	s.res.Close()
}
