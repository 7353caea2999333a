package remotefile

import (
	"bufio"
	"io"

	"github.com/klauspost/compress/gzip"
)

// multiMemberReader decodes concatenated gzip members as one stream.
// Each member is read to its own end before the next header is parsed,
// so data decoded from earlier members is delivered even if a later member is corrupt.
type multiMemberReader struct {
	src     *bufio.Reader
	zr      *gzip.Reader
	members int
}

func newMultiMemberReader(r io.Reader) (*multiMemberReader, error) {
	src := bufio.NewReader(r)
	zr, err := gzip.NewReader(src)
	if err != nil {
		return nil, err
	}
	zr.Multistream(false)
	return &multiMemberReader{src: src, zr: zr, members: 1}, nil
}

func (m *multiMemberReader) Read(p []byte) (int, error) {
	for {
		n, err := m.zr.Read(p)
		if err != io.EOF {
			return n, err
		}
		if n > 0 {
			return n, nil
		}

		if _, err := m.src.Peek(1); err == io.EOF {
			return 0, io.EOF
		} else if err != nil {
			return 0, err
		}
		if err := m.zr.Reset(m.src); err != nil {
			return 0, err
		}
		m.zr.Multistream(false)
		m.members++
	}
}

// Members returns the number of members started so far.
func (m *multiMemberReader) Members() int {
	return m.members
}

func (m *multiMemberReader) Close() error {
	return m.zr.Close()
}
