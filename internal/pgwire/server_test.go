package pgwire

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckdp/internal/budget"
	"duckdp/internal/datasource"
	"duckdp/internal/domain"
	"duckdp/internal/engine"
	"duckdp/internal/metadata"
	"duckdp/internal/middleware"
	"duckdp/internal/noise"
)

const testMeta = `
Collection:
  s:
    t:
      grp: {type: string}
      v: {type: int, lower: 0, upper: 10}
`

const testSecret = "pgwire-test-secret"

func newServer(t *testing.T, validator middleware.TokenValidator) *Server {
	t.Helper()
	cat, err := metadata.Parse([]byte(testMeta))
	require.NoError(t, err)

	grp := &datasource.Column{Name: "grp", Type: domain.TypeString}
	v := &datasource.Column{Name: "v", Type: domain.TypeInt}
	for i := range 40 {
		grp.Values = append(grp.Values, []string{"a", "b"}[i%2])
		v.Values = append(v.Values, int64(i%10))
	}
	src, err := datasource.NewMemTable("s.t", grp, v)
	require.NoError(t, err)

	reader, err := engine.NewPrivateReader(cat, src, engine.Config{
		Mechanism:    noise.NewLaplace(noise.NewSeededSource(1)),
		MinGroupSize: 5,
	})
	require.NoError(t, err)
	registry, err := budget.NewRegistry(3, nil)
	require.NoError(t, err)

	srv, err := NewServer(Config{
		Addr:           "127.0.0.1:0",
		Reader:         reader,
		Registry:       registry,
		Validator:      validator,
		DefaultEpsilon: 1,
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect completes the startup handshake without authentication.
func connect(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn := dial(t, srv)
	_, err := conn.Write(startupPacket(t))
	require.NoError(t, err)
	readUntilReady(t, conn)
	return conn
}

type message struct {
	typ     byte
	payload []byte
}

// query sends a simple query and returns every message up to ReadyForQuery.
func query(t *testing.T, conn net.Conn, q string) []message {
	t.Helper()
	_, err := conn.Write(simpleQueryPacket(t, q))
	require.NoError(t, err)
	return readUntilReady(t, conn)
}

func readUntilReady(t *testing.T, conn net.Conn) []message {
	t.Helper()
	var msgs []message
	for {
		typ, payload := readPGMessage(t, conn)
		msgs = append(msgs, message{typ, payload})
		if typ == 'Z' {
			return msgs
		}
		require.NotEqual(t, byte('E'), typ, "unexpected error during handshake: %s", payload)
	}
}

func errorCode(t *testing.T, msgs []message) string {
	t.Helper()
	for _, m := range msgs {
		if m.typ != 'E' {
			continue
		}
		for _, field := range bytes.Split(m.payload, []byte{0}) {
			if len(field) > 1 && field[0] == 'C' {
				return string(field[1:])
			}
		}
	}
	return ""
}

func dataRows(msgs []message) [][]string {
	var rows [][]string
	for _, m := range msgs {
		if m.typ != 'D' {
			continue
		}
		n := int(binary.BigEndian.Uint16(m.payload[0:2]))
		off := 2
		row := make([]string, 0, n)
		for range n {
			l := int(int32(binary.BigEndian.Uint32(m.payload[off : off+4])))
			off += 4
			if l < 0 {
				row = append(row, "NULL")
				continue
			}
			row = append(row, string(m.payload[off:off+l]))
			off += l
		}
		rows = append(rows, row)
	}
	return rows
}

func types(msgs []message) []byte {
	out := make([]byte, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.typ)
	}
	return out
}

func TestServer_StartupAndShutdown(t *testing.T) {
	srv := newServer(t, nil)
	conn := dial(t, srv)

	_, err := conn.Write(startupPacket(t))
	require.NoError(t, err)

	typeByte, payload := readPGMessage(t, conn)
	require.Equal(t, byte('R'), typeByte)
	require.Len(t, payload, 4)
	require.Equal(t, uint32(0), binary.BigEndian.Uint32(payload))

	msgs := readUntilReady(t, conn)
	var params []string
	for _, m := range msgs {
		if m.typ == 'S' {
			params = append(params, string(bytes.SplitN(m.payload, []byte{0}, 2)[0]))
		}
	}
	assert.Contains(t, params, "server_version")
	assert.Contains(t, params, "client_encoding")
	assert.Contains(t, string(types(msgs)), "K")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = conn.Close()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Empty(t, srv.Addr())
}

func TestServer_SSLRequestDeclined(t *testing.T) {
	srv := newServer(t, nil)
	conn := dial(t, srv)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, int32(8)))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, pgSSLRequestCode))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)

	reply := make([]byte, 1)
	_, err = io.ReadFull(conn, reply)
	require.NoError(t, err)
	assert.Equal(t, byte('N'), reply[0])

	// The client may continue with a plain startup.
	_, err = conn.Write(startupPacket(t))
	require.NoError(t, err)
	readUntilReady(t, conn)
}

func TestServer_PrivateQuery(t *testing.T) {
	srv := newServer(t, nil)
	conn := connect(t, srv)

	msgs := query(t, conn, "SELECT grp, COUNT(*) AS n FROM s.t GROUP BY grp ORDER BY grp;")
	require.Equal(t, "TDDCZ", string(types(msgs)))

	desc := msgs[0].payload
	assert.Equal(t, uint16(2), binary.BigEndian.Uint16(desc[0:2]))
	assert.Contains(t, string(desc), "grp")
	assert.Contains(t, string(desc), "n")

	rows := dataRows(msgs)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0][0])
	assert.Equal(t, "b", rows[1][0])
	assert.Contains(t, string(msgs[3].payload), "SELECT 2")

	session, err := srv.cfg.Registry.Session(t.Context(), budget.AnonymousPrincipal)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, session.Spent(), 1e-9)
}

func TestServer_SessionCommands(t *testing.T) {
	srv := newServer(t, nil)
	conn := connect(t, srv)

	msgs := query(t, conn, "SHOW epsilon")
	assert.Equal(t, [][]string{{"1"}}, dataRows(msgs))

	msgs = query(t, conn, "SET epsilon TO 0.5")
	require.Equal(t, "CZ", string(types(msgs)))
	assert.Contains(t, string(msgs[0].payload), "SET")

	msgs = query(t, conn, "show EPSILON")
	assert.Equal(t, [][]string{{"0.5"}}, dataRows(msgs))

	query(t, conn, "SELECT COUNT(*) FROM s.t")
	msgs = query(t, conn, "SHOW budget")
	rows := dataRows(msgs)
	require.Len(t, rows, 1)
	assert.Equal(t, []string{budget.AnonymousPrincipal, "3", "0.5", "2.5"}, rows[0])

	msgs = query(t, conn, "EXPLAIN SELECT SUM(v) AS total FROM s.t")
	require.NotEmpty(t, dataRows(msgs))
	assert.Contains(t, string(msgs[0].payload), "QUERY PLAN")
	var plan []string
	for _, row := range dataRows(msgs) {
		plan = append(plan, row[0])
	}
	assert.Contains(t, strings.Join(plan, "\n"), "mechanism")

	msgs = query(t, conn, "SET epsilon = -1")
	assert.Equal(t, "22023", errorCode(t, msgs))
	msgs = query(t, conn, "SHOW epsilon")
	assert.Equal(t, [][]string{{"0.5"}}, dataRows(msgs), "rejected SET keeps the previous value")
}

func TestServer_EmptyQuery(t *testing.T) {
	srv := newServer(t, nil)
	conn := connect(t, srv)

	msgs := query(t, conn, " ; ")
	assert.Equal(t, "IZ", string(types(msgs)))
}

func TestServer_QueryErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		code string
	}{
		{"group by mismatch", "SELECT v FROM s.t", "42803"},
		{"not an aggregate query", "DELETE FROM s.t", "0A000"},
		{"unknown column", "SELECT SUM(nope) FROM s.t", "42703"},
		{"unknown table", "SELECT COUNT(*) FROM s.missing", "42P01"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			conn := connect(t, newServer(t, nil))
			msgs := query(t, conn, tc.sql)
			assert.Equal(t, tc.code, errorCode(t, msgs))
			assert.Equal(t, byte('Z'), msgs[len(msgs)-1].typ)
		})
	}
}

func TestServer_BudgetExhausted(t *testing.T) {
	srv := newServer(t, nil)
	conn := connect(t, srv)

	query(t, conn, "SET epsilon = 2")
	msgs := query(t, conn, "SELECT COUNT(*) FROM s.t")
	require.Empty(t, errorCode(t, msgs))

	msgs = query(t, conn, "SELECT COUNT(*) FROM s.t")
	assert.Equal(t, "53400", errorCode(t, msgs))

	session, err := srv.cfg.Registry.Session(t.Context(), budget.AnonymousPrincipal)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, session.Spent(), 1e-9)
}

func TestServer_ExtendedProtocolRejected(t *testing.T) {
	srv := newServer(t, nil)
	conn := connect(t, srv)

	var batch bytes.Buffer
	batch.Write(parsePacket(t, "SELECT COUNT(*) FROM s.t"))
	batch.Write(executePacket(t))
	batch.Write(syncPacket(t))
	_, err := conn.Write(batch.Bytes())
	require.NoError(t, err)

	var msgs []message
	for {
		typ, payload := readPGMessage(t, conn)
		msgs = append(msgs, message{typ, payload})
		if typ == 'Z' {
			break
		}
	}
	assert.Equal(t, "EZ", string(types(msgs)), "one error for the whole batch")
	assert.Equal(t, "0A000", errorCode(t, msgs))

	// Simple queries still work afterwards.
	msgs = query(t, conn, "SHOW epsilon")
	assert.Equal(t, [][]string{{"1"}}, dataRows(msgs))
}

func TestServer_TokenAuthentication(t *testing.T) {
	validator, err := middleware.NewHS256Validator(testSecret, "")
	require.NoError(t, err)
	srv := newServer(t, validator)

	t.Run("valid token", func(t *testing.T) {
		conn := dial(t, srv)
		_, err := conn.Write(startupPacket(t))
		require.NoError(t, err)

		typ, payload := readPGMessage(t, conn)
		require.Equal(t, byte('R'), typ)
		require.Equal(t, uint32(authCleartextPassword), binary.BigEndian.Uint32(payload))

		_, err = conn.Write(passwordPacket(t, signToken(t, "alice")))
		require.NoError(t, err)
		typ, payload = readPGMessage(t, conn)
		require.Equal(t, byte('R'), typ)
		require.Equal(t, uint32(authOK), binary.BigEndian.Uint32(payload))
		readUntilReady(t, conn)

		query(t, conn, "SELECT COUNT(*) FROM s.t")
		msgs := query(t, conn, "SHOW budget")
		rows := dataRows(msgs)
		require.Len(t, rows, 1)
		assert.Equal(t, "alice", rows[0][0])
		assert.Equal(t, "1", rows[0][2])
	})

	t.Run("invalid token", func(t *testing.T) {
		conn := dial(t, srv)
		_, err := conn.Write(startupPacket(t))
		require.NoError(t, err)
		typ, _ := readPGMessage(t, conn)
		require.Equal(t, byte('R'), typ)

		_, err = conn.Write(passwordPacket(t, "not-a-token"))
		require.NoError(t, err)
		typ, payload := readPGMessage(t, conn)
		require.Equal(t, byte('E'), typ)
		assert.Equal(t, "28P01", errorCode(t, []message{{typ, payload}}))
	})
}

func TestServer_CancelRequest(t *testing.T) {
	srv := newServer(t, nil)

	key := backendKey{processID: 42, secretKey: 7}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv.trackQuery(key, cancel)
	defer srv.untrackQuery(key)

	conn := dial(t, srv)
	_, err := conn.Write(cancelRequestPacket(t, 42, 7))
	require.NoError(t, err)

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("query was not cancelled")
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer(Config{DefaultEpsilon: 1})
	require.Error(t, err)

	srv := newServer(t, nil)
	_, err = NewServer(Config{Reader: srv.cfg.Reader, Registry: srv.cfg.Registry, DefaultEpsilon: 0})
	var invalid *domain.InvalidBudgetError
	require.ErrorAs(t, err, &invalid)
}

func TestSQLState(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{domain.ErrUnsupported("nope"), "0A000"},
		{&domain.UnknownColumnError{Table: "s.t", Column: "x"}, "42703"},
		{&domain.UnknownColumnError{Table: "s.x"}, "42P01"},
		{&domain.GroupByMismatchError{Column: "v"}, "42803"},
		{&domain.UnboundedColumnError{Table: "s.t", Column: "v", Function: "SUM"}, "22023"},
		{&domain.BudgetExhaustedError{}, "53400"},
		{context.Canceled, "57014"},
		{io.EOF, "XX000"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, sqlState(tc.err), "%T", tc.err)
	}
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func startupPacket(t *testing.T) []byte {
	t.Helper()

	params := []byte("user\x00duck\x00database\x00duck\x00\x00")
	buf := bytes.NewBuffer(make([]byte, 0, 8+len(params)))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(8+len(params))))
	require.NoError(t, binary.Write(buf, binary.BigEndian, pgProtocolVersion3))
	_, err := buf.Write(params)
	require.NoError(t, err)
	return buf.Bytes()
}

func frontendPacket(t *testing.T, typ byte, payload []byte) []byte {
	t.Helper()
	buf := bytes.NewBuffer(make([]byte, 0, 1+4+len(payload)))
	require.NoError(t, buf.WriteByte(typ))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(4+len(payload))))
	_, err := buf.Write(payload)
	require.NoError(t, err)
	return buf.Bytes()
}

func simpleQueryPacket(t *testing.T, q string) []byte {
	t.Helper()
	return frontendPacket(t, 'Q', append([]byte(q), 0))
}

func passwordPacket(t *testing.T, password string) []byte {
	t.Helper()
	return frontendPacket(t, 'p', append([]byte(password), 0))
}

func parsePacket(t *testing.T, q string) []byte {
	t.Helper()
	payload := bytes.NewBuffer(nil)
	payload.WriteByte(0) // unnamed statement
	payload.WriteString(q)
	payload.WriteByte(0)
	require.NoError(t, binary.Write(payload, binary.BigEndian, int16(0)))
	return frontendPacket(t, 'P', payload.Bytes())
}

func executePacket(t *testing.T) []byte {
	t.Helper()
	payload := bytes.NewBuffer(nil)
	payload.WriteByte(0)
	require.NoError(t, binary.Write(payload, binary.BigEndian, int32(0)))
	return frontendPacket(t, 'E', payload.Bytes())
}

func syncPacket(t *testing.T) []byte {
	t.Helper()
	return []byte{'S', 0, 0, 0, 4}
}

func cancelRequestPacket(t *testing.T, processID, secretKey uint32) []byte {
	t.Helper()
	buf := bytes.NewBuffer(make([]byte, 0, 16))
	require.NoError(t, binary.Write(buf, binary.BigEndian, int32(16)))
	require.NoError(t, binary.Write(buf, binary.BigEndian, pgCancelReqCode))
	require.NoError(t, binary.Write(buf, binary.BigEndian, processID))
	require.NoError(t, binary.Write(buf, binary.BigEndian, secretKey))
	return buf.Bytes()
}

func readPGMessage(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	typeByte := make([]byte, 1)
	_, err := io.ReadFull(conn, typeByte)
	require.NoError(t, err)

	lenBuf := make([]byte, 4)
	_, err = io.ReadFull(conn, lenBuf)
	require.NoError(t, err)
	length := int(binary.BigEndian.Uint32(lenBuf))
	require.GreaterOrEqual(t, length, 4)

	payload := make([]byte, length-4)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return typeByte[0], payload
}
