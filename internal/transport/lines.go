package transport

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// lineReader は改行区切りの入力を1行ずつ読み取る。
// maxLineSizeを超える行は残りを読み捨てて次の行から再開するため、1行の異常で後続が失われない。
type lineReader struct {
	r   *bufio.Reader
	buf []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, 64*1024)}
}

// next は次の1行を改行を除いて返す。返したスライスは次の呼び出しまで有効。
// 上限を超えた行はoversized=trueで返し、内容は返さない。入力の終端ではio.EOFを返す。
func (l *lineReader) next() (line []byte, oversized bool, err error) {
	l.buf = l.buf[:0]
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !oversized {
			// 改行(\r\n)の分だけ余裕を持たせる
			if len(l.buf)+len(chunk) > maxLineSize+2 {
				oversized = true
				l.buf = l.buf[:0]
			} else {
				l.buf = append(l.buf, chunk...)
			}
		}

		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case err == nil, errors.Is(err, io.EOF):
			if oversized {
				return nil, true, nil
			}
			if errors.Is(err, io.EOF) && len(l.buf) == 0 {
				return nil, false, io.EOF
			}
			line = bytes.TrimRight(l.buf, "\r\n")
			if len(line) > maxLineSize {
				return nil, true, nil
			}
			return line, false, nil
		default:
			return nil, false, err
		}
	}
}
