package relay

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/servidesk/servidesk/internal/config"
	"github.com/servidesk/servidesk/internal/protocol"
)

// testRelay spins up a full relay over httptest and returns the ws URL.
func testRelay(t *testing.T) (*Server, *Manager, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultRelay()
	cfg.AdminToken = "T"
	cfg.DataDir = dir

	registry, err := NewRegistry(dir, cfg.MaxDevices)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	sessions, err := NewSessionLog(dir)
	if err != nil {
		t.Fatalf("session log: %v", err)
	}
	guard := NewAuthGuard(cfg.AdminToken)
	manager := NewManager(cfg, registry, sessions, guard, nil, nil)
	server := NewServer(cfg, manager, guard, nil, sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWS)
	server.registerAPI(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return server, manager, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

// awaitEnvelope reads text frames until one of the wanted type arrives.
func awaitEnvelope(t *testing.T, conn *websocket.Conn, msgType string, out any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", msgType, err)
		}
		if frameType != websocket.TextMessage {
			continue
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("waiting for %s: parse: %v", msgType, err)
		}
		if env.Type != msgType {
			continue
		}
		if out != nil {
			if err := env.Decode(out); err != nil {
				t.Fatalf("decode %s: %v", msgType, err)
			}
		}
		return
	}
}

// awaitBinary reads frames until a binary one arrives.
func awaitBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		frameType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for binary: %v", err)
		}
		if frameType == websocket.BinaryMessage {
			return data
		}
	}
}

func TestRelay_EndToEndSession(t *testing.T) {
	_, manager, url := testRelay(t)

	admin := dialWS(t, url)
	sendEnvelope(t, admin, protocol.TypeAdminAuth, protocol.AdminAuth{AdminToken: "T", AdminName: "A"})
	var authResult protocol.AdminAuthResult
	awaitEnvelope(t, admin, protocol.TypeAdminAuthResult, &authResult)
	if !authResult.Success {
		t.Fatal("auth failed")
	}

	agent := dialWS(t, url)
	sendEnvelope(t, agent, protocol.TypeAgentRegister, protocol.AgentRegister{
		AgentID: "a1", Hostname: "h", OS: "linux", Version: "1.0",
	})
	var ack protocol.AgentRegistered
	awaitEnvelope(t, agent, protocol.TypeAgentRegistered, &ack)

	sendEnvelope(t, agent, protocol.TypeRequestSupport, protocol.RequestSupport{
		CustomerName: "Customer", ScreenWidth: 1920, ScreenHeight: 1080,
	})
	var req protocol.SupportRequest
	awaitEnvelope(t, admin, protocol.TypeSupportRequest, &req)

	sendEnvelope(t, admin, protocol.TypeAcceptSupport, protocol.AcceptSupport{SessionID: req.SessionID})
	awaitEnvelope(t, admin, protocol.TypeSessionStarted, nil)
	awaitEnvelope(t, agent, protocol.TypeSessionAccepted, nil)

	// A binary video packet crosses the relay verbatim.
	jpeg := append([]byte{0xFF, 0xD8, 0xFF}, bytes.Repeat([]byte{0xAB}, 4318)...)
	packet := protocol.EncodePacket(protocol.PacketVideoFrame, jpeg)
	if err := agent.WriteMessage(websocket.BinaryMessage, packet); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	got := awaitBinary(t, admin)
	if !bytes.Equal(got, packet) {
		t.Fatal("relayed frame is not byte-identical")
	}

	// JSON control traffic also crosses: key exchange envelope.
	sendEnvelope(t, admin, protocol.TypeE2EKeyExchange, protocol.E2EKeyExchange{PublicKey: "BAsv"})
	awaitEnvelope(t, agent, protocol.TypeE2EKeyExchange, nil)

	// Viewer-side session_end is handled by the relay, not forwarded.
	sendEnvelope(t, admin, protocol.TypeSessionEnd, protocol.SessionEnd{Reason: "completed"})
	var endedAgent, endedAdmin protocol.SessionEnded
	awaitEnvelope(t, agent, protocol.TypeSessionEnded, &endedAgent)
	awaitEnvelope(t, admin, protocol.TypeSessionEnded, &endedAdmin)
	if endedAgent.Reason != "completed" || endedAgent.EndedBy != "admin" {
		t.Fatalf("agent ended payload: %+v", endedAgent)
	}

	recs := manager.sessions.Recent(0)
	if len(recs) != 1 || recs[0].EndReason != "completed" {
		t.Fatalf("session log: %+v", recs)
	}
}

func TestRelay_FirstMessageMustBeHandshake(t *testing.T) {
	_, _, url := testRelay(t)

	conn := dialWS(t, url)
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected close after binary first message")
	}
	if !websocket.IsCloseError(err, CloseMalformed) {
		t.Fatalf("expected close code 4000, got %v", err)
	}
}

func TestRelay_BadAdminTokenCloses4001(t *testing.T) {
	_, _, url := testRelay(t)

	conn := dialWS(t, url)
	sendEnvelope(t, conn, protocol.TypeAdminAuth, protocol.AdminAuth{AdminToken: "wrong", AdminName: "A"})

	var errPayload protocol.ErrorPayload
	awaitEnvelope(t, conn, protocol.TypeError, &errPayload)
	if errPayload.Code != protocol.CodeAuthFailed {
		t.Fatalf("error code %s", errPayload.Code)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuth) {
		t.Fatalf("expected close code 4001, got %v", err)
	}
}

func TestRelay_SecondRegistrationRejected(t *testing.T) {
	_, _, url := testRelay(t)

	first := dialWS(t, url)
	sendEnvelope(t, first, protocol.TypeAgentRegister, protocol.AgentRegister{AgentID: "dup", Hostname: "h"})
	awaitEnvelope(t, first, protocol.TypeAgentRegistered, nil)

	second := dialWS(t, url)
	sendEnvelope(t, second, protocol.TypeAgentRegister, protocol.AgentRegister{AgentID: "dup", Hostname: "h"})
	var errPayload protocol.ErrorPayload
	awaitEnvelope(t, second, protocol.TypeError, &errPayload)
	if errPayload.Code != protocol.CodeAlreadyConnected {
		t.Fatalf("error code %s, want ALREADY_CONNECTED", errPayload.Code)
	}
	second.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := second.ReadMessage(); err == nil {
		t.Fatal("second connection should be closed")
	}
}

func TestRelay_HealthEndpoint(t *testing.T) {
	_, _, url := testRelay(t)
	httpURL := "http" + strings.TrimPrefix(strings.TrimSuffix(url, "/ws"), "ws") + "/health"

	resp, err := http.Get(httpURL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestRelay_APIRequiresBearer(t *testing.T) {
	_, _, url := testRelay(t)
	base := "http" + strings.TrimPrefix(strings.TrimSuffix(url, "/ws"), "ws")

	resp, err := http.Get(base + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer T")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status %d", resp.StatusCode)
	}
}
