package server

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/russignol/signer/bls"
	"github.com/russignol/signer/magicbytes"
	"github.com/russignol/signer/protocol"
	"github.com/russignol/signer/signer"
	"github.com/russignol/signer/watermark"
)

func testKey(t *testing.T, seedByte byte) (bls.PublicKeyHash, bls.PublicKey, bls.SecretKey) {
	t.Helper()
	seed := [32]byte{}
	for i := range seed {
		seed[i] = seedByte
	}
	pkh, pk, sk, err := bls.GenerateKey(&seed)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return pkh, pk, sk
}

// startServer runs srv in the background and waits for the listener to bind.
func startServer(t *testing.T, srv *Server) net.Addr {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()
	t.Cleanup(srv.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if addr := srv.Addr(); addr != nil {
			return addr
		}
		select {
		case err := <-errCh:
			t.Fatalf("server exited early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// roundTrip writes one framed request and reads one framed response.
func roundTrip(t *testing.T, conn net.Conn, req protocol.Request) protocol.Response {
	t.Helper()
	reqData, err := protocol.EncodeRequest(req)
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	writeFrame(t, conn, reqData)

	respData := readFrame(t, conn)
	resp, err := protocol.DecodeResponse(respData, req)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	return resp
}

func writeFrame(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write frame length: %v", err)
	}
	if _, err := conn.Write(data); err != nil {
		t.Fatalf("write frame body: %v", err)
	}
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		t.Fatalf("read frame length: %v", err)
	}
	body := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read frame body: %v", err)
	}
	return body
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestPublicKeyOverSocket(t *testing.T) {
	pkh, pk, sk := testKey(t, 5)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true))
	addr := startServer(t, srv)

	conn := dial(t, addr)
	resp := roundTrip(t, conn, protocol.PublicKeyRequest{PKH: pkh})
	got, ok := resp.(protocol.PublicKeyResponse)
	if !ok {
		t.Fatalf("expected PublicKeyResponse, got %T", resp)
	}
	if got.PublicKey.Bytes() != pk.Bytes() {
		t.Fatal("public key mismatch over socket")
	}
}

func TestSignOverSocketFlushesWatermark(t *testing.T) {
	pkh, pk, sk := testKey(t, 6)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	dir := t.TempDir()
	store, err := watermark.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	chainID := bls.ChainIDFromWireBytes([4]byte{0, 0, 0, 1})
	if err := store.UpdateToLevel(chainID, pkh, 99); err != nil {
		t.Fatalf("UpdateToLevel: %v", err)
	}

	srv := New("127.0.0.1:0", signer.NewHandler(reg, store, magicbytes.All(), true, true))
	addr := startServer(t, srv)
	conn := dial(t, addr)

	data := blockPayload(chainID, 100, 0)
	resp := roundTrip(t, conn, protocol.SignRequest{
		PKH:  protocol.VersionedPKH{PKH: pkh},
		Data: data,
	})
	sig := resp.(protocol.SignatureResponse).Signature
	if !bls.Verify(pk, sig, data, nil) {
		t.Fatal("signature from socket does not verify")
	}

	// The response implies the flush has been attempted; a fresh store must
	// see level 100 on disk. Poll briefly since the flush happens after the
	// response bytes hit the wire.
	deadline := time.Now().Add(2 * time.Second)
	for {
		fresh, err := watermark.NewStore(dir)
		if err != nil {
			t.Fatalf("NewStore: %v", err)
		}
		if level, ok := fresh.GetCurrentLevel(chainID, pkh); ok && level == 100 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watermark was not flushed to disk after sign response")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestErrorResponseOverSocket(t *testing.T) {
	_, _, sk := testKey(t, 7)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true))
	addr := startServer(t, srv)
	conn := dial(t, addr)

	unknownPKH, _, _ := testKey(t, 8)
	resp := roundTrip(t, conn, protocol.PublicKeyRequest{PKH: unknownPKH})
	errResp, ok := resp.(protocol.ErrorResponse)
	if !ok {
		t.Fatalf("expected ErrorResponse, got %T", resp)
	}
	if errResp.Message == "" {
		t.Fatal("error response must carry a message")
	}

	// The connection stays usable after a per-request error.
	resp = roundTrip(t, conn, protocol.KnownKeysRequest{})
	if _, ok := resp.(protocol.KnownKeysResponse); !ok {
		t.Fatalf("expected KnownKeysResponse after error, got %T", resp)
	}
}

func TestHTTPClientIsRejected(t *testing.T) {
	_, _, sk := testKey(t, 9)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true))
	addr := startServer(t, srv)
	conn := dial(t, addr)

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The server drops the connection without a response; depending on how
	// much of the request it consumed, the close surfaces as EOF or a reset.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection close on HTTP request")
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		t.Fatalf("connection was not closed: %v", err)
	}
}

func TestOversizedMessageDropsConnection(t *testing.T) {
	_, _, sk := testKey(t, 10)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true)).
		WithMaxMessageSize(32)
	addr := startServer(t, srv)
	conn := dial(t, addr)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], 100)
	if _, err := conn.Write(lenBuf[:]); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Fatalf("expected connection close on oversized frame, got %v", err)
	}
}

func TestConnectionLimit(t *testing.T) {
	pkh, _, sk := testKey(t, 11)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true)).
		WithMaxConnections(1)
	addr := startServer(t, srv)

	// First connection performs a request so the server has definitely
	// accepted it and bumped the counter.
	conn1 := dial(t, addr)
	roundTrip(t, conn1, protocol.PublicKeyRequest{PKH: pkh})

	// Second connection must be closed by the server.
	conn2 := dial(t, addr)
	conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn2.Read(buf); err != io.EOF {
		t.Fatalf("expected over-limit connection to be closed, got %v", err)
	}

	// Closing the first connection frees the slot.
	conn1.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn3, err := net.Dial("tcp", addr.String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		reqData, _ := protocol.EncodeRequest(protocol.PublicKeyRequest{PKH: pkh})
		writeFrame(t, conn3, reqData)
		conn3.SetReadDeadline(time.Now().Add(time.Second))
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn3, lenBuf[:]); err == nil {
			conn3.Close()
			return
		}
		conn3.Close()
		if time.Now().After(deadline) {
			t.Fatal("slot was not freed after closing the first connection")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSerialRequestsOnOneConnection(t *testing.T) {
	pkh, pk, sk := testKey(t, 12)
	reg := signer.NewRegistry([]signer.KeyEntry{{Alias: "k", SecretKey: sk}})
	srv := New("127.0.0.1:0", signer.NewHandler(reg, nil, nil, true, true))
	addr := startServer(t, srv)
	conn := dial(t, addr)

	for i := 0; i < 10; i++ {
		resp := roundTrip(t, conn, protocol.PublicKeyRequest{PKH: pkh})
		if got := resp.(protocol.PublicKeyResponse).PublicKey.Bytes(); got != pk.Bytes() {
			t.Fatalf("request %d: public key mismatch", i)
		}
	}
}

// blockPayload builds a minimal Tenderbake block header for sign tests.
func blockPayload(chainID bls.ChainID, level, round uint32) []byte {
	wire := chainID.WireBytes()
	data := []byte{byte(magicbytes.Block)}
	data = append(data, wire[:]...)
	data = binary.BigEndian.AppendUint32(data, level)
	data = append(data, 0)
	data = append(data, make([]byte, 32)...)
	data = append(data, make([]byte, 8)...)
	data = append(data, 0)
	data = append(data, make([]byte, 32)...)
	data = binary.BigEndian.AppendUint32(data, 8)
	data = binary.BigEndian.AppendUint32(data, 0)
	data = binary.BigEndian.AppendUint32(data, round)
	return data
}
