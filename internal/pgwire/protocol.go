package pgwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"duckdp/internal/domain"
	"duckdp/internal/result"
)

const (
	authOK                int32 = 0
	authCleartextPassword int32 = 3

	oidBool   uint32 = 16
	oidInt8   uint32 = 20
	oidText   uint32 = 25
	oidFloat8 uint32 = 701
)

var errMessageTooLarge = errors.New("message exceeds maximum size")

func readStartupHeader(r io.Reader) (int32, int32, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return int32(binary.BigEndian.Uint32(hdr[0:4])), int32(binary.BigEndian.Uint32(hdr[4:8])), nil
}

func parseStartupParams(payload []byte) map[string]string {
	params := make(map[string]string)
	parts := bytes.Split(payload, []byte{0})
	for i := 0; i+1 < len(parts); i += 2 {
		if len(parts[i]) == 0 {
			break
		}
		params[string(parts[i])] = string(parts[i+1])
	}
	return params
}

func readMessage(r io.Reader) (byte, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := int32(binary.BigEndian.Uint32(hdr[1:5]))
	if length < 4 {
		return 0, nil, fmt.Errorf("invalid message length %d", length)
	}
	if length > maxMessageSize {
		return 0, nil, errMessageTooLarge
	}
	payload := make([]byte, int(length)-4)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// readPassword reads a PasswordMessage and returns its text.
func readPassword(r io.Reader) (string, error) {
	msgType, payload, err := readMessage(r)
	if err != nil {
		return "", err
	}
	if msgType != 'p' {
		return "", fmt.Errorf("expected password message, got %q", msgType)
	}
	return string(bytes.TrimSuffix(payload, []byte{0})), nil
}

func writeMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 5+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)+4)) //nolint:gosec
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

func writeAuthRequest(w io.Writer, code int32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code)) //nolint:gosec
	return writeMessage(w, 'R', payload[:])
}

func writeParameterStatus(w io.Writer, key, value string) error {
	var payload bytes.Buffer
	writeCString(&payload, key)
	writeCString(&payload, value)
	return writeMessage(w, 'S', payload.Bytes())
}

func writeBackendKeyData(w io.Writer, key backendKey) error {
	var payload [8]byte
	binary.BigEndian.PutUint32(payload[0:4], uint32(key.processID)) //nolint:gosec
	binary.BigEndian.PutUint32(payload[4:8], uint32(key.secretKey)) //nolint:gosec
	return writeMessage(w, 'K', payload[:])
}

func writeReadyForQuery(w io.Writer) error {
	return writeMessage(w, 'Z', []byte{'I'})
}

func writeEmptyQueryResponse(w io.Writer) error {
	return writeMessage(w, 'I', nil)
}

func writeCommandComplete(w io.Writer, tag string) error {
	var payload bytes.Buffer
	writeCString(&payload, tag)
	return writeMessage(w, 'C', payload.Bytes())
}

func writeResult(w io.Writer, res *result.Result) error {
	if err := writeRowDescription(w, res.Columns); err != nil {
		return err
	}
	for _, row := range res.Rows {
		if err := writeDataRow(w, row); err != nil {
			return err
		}
	}
	return nil
}

func writeRowDescription(w io.Writer, cols []result.Column) error {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.BigEndian, int16(len(cols))) //nolint:gosec
	for _, c := range cols {
		writeCString(&payload, c.Name)
		_ = binary.Write(&payload, binary.BigEndian, int32(0)) // table oid
		_ = binary.Write(&payload, binary.BigEndian, int16(0)) // attnum
		_ = binary.Write(&payload, binary.BigEndian, typeOID(c.Type))
		_ = binary.Write(&payload, binary.BigEndian, int16(-1)) // typlen
		_ = binary.Write(&payload, binary.BigEndian, int32(-1)) // typmod
		_ = binary.Write(&payload, binary.BigEndian, int16(0))  // text format
	}
	return writeMessage(w, 'T', payload.Bytes())
}

func writeDataRow(w io.Writer, row []any) error {
	var payload bytes.Buffer
	_ = binary.Write(&payload, binary.BigEndian, int16(len(row))) //nolint:gosec
	for _, v := range row {
		if v == nil {
			_ = binary.Write(&payload, binary.BigEndian, int32(-1))
			continue
		}
		s := result.FormatValue(v)
		if b, ok := v.(bool); ok {
			s = "f"
			if b {
				s = "t"
			}
		}
		_ = binary.Write(&payload, binary.BigEndian, int32(len(s))) //nolint:gosec
		payload.WriteString(s)
	}
	return writeMessage(w, 'D', payload.Bytes())
}

func writeError(w io.Writer, code, msg string) error {
	var payload bytes.Buffer
	payload.WriteByte('S')
	writeCString(&payload, "ERROR")
	payload.WriteByte('C')
	writeCString(&payload, code)
	payload.WriteByte('M')
	writeCString(&payload, msg)
	payload.WriteByte(0)
	return writeMessage(w, 'E', payload.Bytes())
}

func writeQueryError(w io.Writer, err error) error {
	return writeError(w, sqlState(err), err.Error())
}

func writeCString(b *bytes.Buffer, s string) {
	b.WriteString(s)
	b.WriteByte(0)
}

func typeOID(t domain.ValueType) uint32 {
	switch t {
	case domain.ValueInt:
		return oidInt8
	case domain.ValueFloat:
		return oidFloat8
	case domain.ValueBool:
		return oidBool
	default:
		return oidText
	}
}

// sqlState maps query errors onto PostgreSQL error codes.
func sqlState(err error) string {
	var (
		unsupported *domain.UnsupportedQueryError
		unknown     *domain.UnknownColumnError
		groupBy     *domain.GroupByMismatchError
		unbounded   *domain.UnboundedColumnError
		invalid     *domain.InvalidBudgetError
		validation  *domain.ValidationError
		exhausted   *domain.BudgetExhaustedError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "57014"
	case errors.As(err, &unsupported):
		return "0A000"
	case errors.As(err, &unknown):
		if unknown.Column == "" {
			return "42P01"
		}
		return "42703"
	case errors.As(err, &groupBy):
		return "42803"
	case errors.As(err, &unbounded), errors.As(err, &invalid), errors.As(err, &validation):
		return "22023"
	case errors.As(err, &exhausted):
		return "53400"
	default:
		return "XX000"
	}
}
