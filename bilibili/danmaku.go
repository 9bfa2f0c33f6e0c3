package bilibili

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

// Danmaku packet operations.
const (
	OpHeartbeat      uint32 = 2
	OpHeartbeatReply uint32 = 3
	OpMessage        uint32 = 5
	OpAuth           uint32 = 7
	OpAuthReply      uint32 = 8
)

const (
	headerLen       = 16
	protoHeartbeat  = 1
	protoZlib       = 2
	fallbackHost    = "broadcastlv.chat.bilibili.com"
	heartbeatPeriod = 30 * time.Second
)

// ErrAuthRejected means the chat server refused the auth packet, usually
// because the cookies expired.
var ErrAuthRejected = errors.New("danmaku auth rejected")

// Packet is one frame of the danmaku protocol.
type Packet struct {
	Protover  uint16
	Operation uint32
	Sequence  uint32
	Body      []byte
}

// Encode writes the 16-byte big-endian header followed by the body.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerLen+len(p.Body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], headerLen)
	binary.BigEndian.PutUint16(buf[6:8], p.Protover)
	binary.BigEndian.PutUint32(buf[8:12], p.Operation)
	binary.BigEndian.PutUint32(buf[12:16], p.Sequence)
	copy(buf[headerLen:], p.Body)
	return buf
}

// DecodePackets splits a frame into packets, inflating zlib-compressed
// batches into their inner packets.
func DecodePackets(data []byte) ([]Packet, error) {
	var out []Packet
	for len(data) > 0 {
		if len(data) < headerLen {
			return out, fmt.Errorf("danmaku: short header (%d bytes)", len(data))
		}
		total := binary.BigEndian.Uint32(data[0:4])
		hlen := binary.BigEndian.Uint16(data[4:6])
		if total < uint32(hlen) || int(total) > len(data) || hlen < headerLen {
			return out, fmt.Errorf("danmaku: bad packet length %d (header %d, have %d)", total, hlen, len(data))
		}
		p := Packet{
			Protover:  binary.BigEndian.Uint16(data[6:8]),
			Operation: binary.BigEndian.Uint32(data[8:12]),
			Sequence:  binary.BigEndian.Uint32(data[12:16]),
			Body:      data[hlen:total],
		}
		data = data[total:]
		if p.Protover == protoZlib && p.Operation == OpMessage {
			zr, err := zlib.NewReader(bytes.NewReader(p.Body))
			if err != nil {
				return out, fmt.Errorf("danmaku: zlib: %w", err)
			}
			inner, err := io.ReadAll(zr)
			_ = zr.Close()
			if err != nil {
				return out, fmt.Errorf("danmaku: zlib: %w", err)
			}
			nested, err := DecodePackets(inner)
			out = append(out, nested...)
			if err != nil {
				return out, err
			}
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// AuthPacket builds the first packet sent after connecting.
func AuthPacket(uid int64, roomID int64, token string) (Packet, error) {
	body, err := json.Marshal(map[string]any{
		"uid":      uid,
		"roomid":   roomID,
		"protover": protoZlib,
		"platform": "web",
		"type":     2,
		"key":      token,
	})
	if err != nil {
		return Packet{}, err
	}
	return Packet{Protover: protoHeartbeat, Operation: OpAuth, Sequence: 1, Body: body}, nil
}

// Event is a decoded OpMessage body.
type Event struct {
	Cmd  string          `json:"cmd"`
	Info json.RawMessage `json:"info"`
}

// Kind strips the ":..." suffix newer clients append to cmd.
func (e Event) Kind() string {
	if i := strings.IndexByte(e.Cmd, ':'); i >= 0 {
		return e.Cmd[:i]
	}
	return e.Cmd
}

// Text returns the chat text of a DANMU_MSG event (info[1]).
func (e Event) Text() (string, bool) {
	if e.Kind() != "DANMU_MSG" {
		return "", false
	}
	var info []json.RawMessage
	if err := json.Unmarshal(e.Info, &info); err != nil || len(info) < 2 {
		return "", false
	}
	var text string
	if err := json.Unmarshal(info[1], &text); err != nil {
		return "", false
	}
	return text, true
}

// DanmakuSource reads the destination room's chat feed. It implements
// chat.LineSource.
type DanmakuSource struct {
	Client *Client
	RoomID string
	UID    int64
	Dialer *websocket.Dialer
	// URL overrides host discovery, for tests.
	URL string
	// Heartbeat is the keepalive period; zero means 30s. The server answers
	// every heartbeat, so a connection silent for two periods is dead.
	Heartbeat time.Duration
}

// Run connects, authenticates and forwards chat text until ctx ends or the
// connection drops.
func (s *DanmakuSource) Run(ctx context.Context, lines chan<- string) error {
	logger := slog.Default().With(slog.String("component", "danmaku"), slog.String("room", s.RoomID))
	room, err := strconv.ParseInt(s.RoomID, 10, 64)
	if err != nil {
		return fmt.Errorf("danmaku: room id %q: %w", s.RoomID, err)
	}
	wsURL, token := s.URL, ""
	if wsURL == "" {
		wsURL = "wss://" + fallbackHost + "/sub"
		if s.Client != nil {
			info, err := s.Client.DanmuInfo(ctx, s.RoomID)
			if err != nil {
				logger.Warn("danmu info failed, using fallback host", slog.Any("err", err))
			} else {
				token = info.Token
				if len(info.HostList) > 0 {
					h := info.HostList[0]
					wsURL = fmt.Sprintf("wss://%s:%d/sub", h.Host, h.WSSPort)
				}
			}
		}
	}
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgent)
	conn, _, err := dialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return fmt.Errorf("danmaku: dial: %w", err)
	}
	defer conn.Close()

	auth, err := AuthPacket(s.UID, room, token)
	if err != nil {
		return err
	}
	period := s.Heartbeat
	if period <= 0 {
		period = heartbeatPeriod
	}
	readWait := 2 * period
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, auth.Encode()); err != nil {
		return fmt.Errorf("danmaku: auth: %w", err)
	}

	// Writes happen only on the heartbeat goroutine after auth.
	hbDone := make(chan struct{})
	defer close(hbDone)
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		hb := Packet{Protover: protoHeartbeat, Operation: OpHeartbeat, Sequence: 1, Body: []byte("[object Object]")}
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-hbDone:
				return
			case <-t.C:
				_ = conn.SetWriteDeadline(time.Now().Add(period))
				if err := conn.WriteMessage(websocket.BinaryMessage, hb.Encode()); err != nil {
					// Unblock the reader so the listener reconnects.
					logger.Warn("heartbeat failed", slog.Any("err", err))
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("danmaku: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		packets, err := DecodePackets(data)
		if err != nil {
			logger.Debug("bad frame", slog.Any("err", err))
		}
		for _, p := range packets {
			switch p.Operation {
			case OpAuthReply:
				var reply struct {
					Code int `json:"code"`
				}
				if json.Unmarshal(p.Body, &reply) == nil && reply.Code != 0 {
					return fmt.Errorf("%w (code %d)", ErrAuthRejected, reply.Code)
				}
				logger.Info("danmaku connected")
			case OpMessage:
				var ev Event
				if err := json.Unmarshal(p.Body, &ev); err != nil {
					continue
				}
				if text, ok := ev.Text(); ok {
					select {
					case lines <- text:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
		}
	}
}
