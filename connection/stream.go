package connection

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/kernelmesh/core"
)

const maxEnvelopeSize = 10 * 1024 * 1024 // 10 MB

// ErrEnvelopeTooLarge is yielded for a line longer than the envelope size
// limit. The line is skipped and the stream stays open.
var ErrEnvelopeTooLarge = errors.New("envelope too large")

// StreamTransport exchanges newline-delimited JSON envelopes over a reader
// and a writer, typically the stdin and stdout of a child process.
type StreamTransport struct {
	r       io.Reader
	w       io.Writer
	maxSize int

	writeMu sync.Mutex
	bw      *bufio.Writer

	incoming chan received
	done     chan struct{}
	once     sync.Once
}

type received struct {
	env Envelope
	err error
}

// NewStreamTransport starts reading envelopes from r. Close closes r and w if
// they implement io.Closer.
func NewStreamTransport(r io.Reader, w io.Writer) *StreamTransport {
	return newStreamTransport(r, w, maxEnvelopeSize)
}

func newStreamTransport(r io.Reader, w io.Writer, maxSize int) *StreamTransport {
	t := &StreamTransport{
		r:        r,
		w:        w,
		maxSize:  maxSize,
		bw:       bufio.NewWriter(w),
		incoming: make(chan received),
		done:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *StreamTransport) readLoop() {
	br := bufio.NewReaderSize(t.r, 64*1024)

	var err error
	for {
		var line []byte
		line, err = readLine(br, t.maxSize)
		if err != nil && !errors.Is(err, ErrEnvelopeTooLarge) {
			break
		}
		if err == nil && len(line) == 0 {
			continue
		}

		var r received
		if err != nil {
			r.err = err
		} else {
			var env Envelope
			if err := json.Unmarshal(line, &env); err != nil {
				r.err = fmt.Errorf("unmarshal envelope: %w", err)
			} else if err := env.Validate(); err != nil {
				r.err = err
			} else {
				r.env = env
			}
		}

		select {
		case t.incoming <- r:
		case <-t.done:
			return
		}
	}

	select {
	case t.incoming <- received{err: fmt.Errorf("%w: %w", core.ErrTransportClosed, err)}:
	case <-t.done:
	}
}

// readLine returns the next line without its line ending. A line longer than
// limit is consumed to its end and reported as ErrEnvelopeTooLarge. A final
// line without a newline is returned as is; after it readLine yields io.EOF.
func readLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	size := 0

	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= limit+1 {
			line = append(line, chunk...)
		} else {
			line = nil
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil && (!errors.Is(err, io.EOF) || size == 0) {
			return nil, err
		}

		n := size
		if err == nil {
			n-- // newline
		}
		if n > limit {
			return nil, fmt.Errorf("%w: more than %d bytes", ErrEnvelopeTooLarge, limit)
		}

		return bytes.TrimRight(line, "\r\n"), nil
	}
}

// Send writes env as one JSON line.
func (t *StreamTransport) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := env.Validate(); err != nil {
		return err
	}

	select {
	case <-t.done:
		return fmt.Errorf("%w: stream", core.ErrTransportClosed)
	default:
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.bw.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	if err := t.bw.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := t.bw.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	return nil
}

// Receive returns the next envelope. A malformed or oversized line yields an
// error but does not end the stream; end of input yields
// core.ErrTransportClosed.
func (t *StreamTransport) Receive(ctx context.Context) (Envelope, error) {
	select {
	case r := <-t.incoming:
		return r.env, r.err
	case <-t.done:
		return Envelope{}, fmt.Errorf("%w: stream", core.ErrTransportClosed)
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Close stops the transport.
func (t *StreamTransport) Close() error {
	var errs []error
	t.once.Do(func() {
		close(t.done)
		if c, ok := t.r.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
		if c, ok := t.w.(io.Closer); ok && any(t.w) != any(t.r) {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}
