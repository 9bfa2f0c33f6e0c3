// Package bilibili talks to the destination live platform: room status,
// start/stop, metadata updates, chat messages and the danmaku feed.
package bilibili

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/onnwee/bilirelay/probe"
)

const (
	defaultLiveBase = "https://api.live.bilibili.com"
	defaultAPIBase  = "https://api.bilibili.com"
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36"
)

// Credentials are the browser cookies of the destination account.
type Credentials struct {
	SESSDATA   string
	BiliJct    string // CSRF token
	DedeUserID string
	Buvid3     string
}

// Valid reports whether write calls can be attempted.
func (c Credentials) Valid() bool { return c.SESSDATA != "" && c.BiliJct != "" }

func (c Credentials) cookieHeader() string {
	s := "SESSDATA=" + c.SESSDATA + "; bili_jct=" + c.BiliJct
	if c.DedeUserID != "" {
		s += "; DedeUserID=" + c.DedeUserID
	}
	if c.Buvid3 != "" {
		s += "; buvid3=" + c.Buvid3
	}
	return s
}

// APIError is a non-zero code in a response envelope.
type APIError struct {
	Code    int
	Message string
	Path    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili %s: code %d: %s", e.Path, e.Code, e.Message)
}

// ErrNoCredentials is returned by write calls without cookies.
var ErrNoCredentials = errors.New("bilibili credentials not configured")

// Client is safe for concurrent use.
type Client struct {
	RoomID      string
	Credentials Credentials
	HTTPClient  *http.Client
	LiveBase    string
	APIBase     string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *Client) liveBase() string {
	if c.LiveBase != "" {
		return c.LiveBase
	}
	return defaultLiveBase
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return defaultAPIBase
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Msg     string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Referer", "https://live.bilibili.com/")
	if c.Credentials.SESSDATA != "" {
		req.Header.Set("Cookie", c.Credentials.cookieHeader())
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bilibili %s: %s: %s", req.URL.Path, resp.Status, string(b))
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("bilibili %s: decode: %w", req.URL.Path, err)
	}
	if env.Code != 0 {
		msg := env.Message
		if msg == "" {
			msg = env.Msg
		}
		return &APIError{Code: env.Code, Message: msg, Path: req.URL.Path}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("bilibili %s: decode data: %w", req.URL.Path, err)
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, base, path string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postForm(ctx context.Context, base, path string, form url.Values, out any) error {
	if !c.Credentials.Valid() {
		return ErrNoCredentials
	}
	form.Set("csrf", c.Credentials.BiliJct)
	form.Set("csrf_token", c.Credentials.BiliJct)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

// RoomInfo is the subset of room fields the relay uses.
type RoomInfo struct {
	RoomID     int    `json:"room_id"`
	LiveStatus int    `json:"live_status"`
	Title      string `json:"title"`
	AreaID     int    `json:"area_id"`
	AreaName   string `json:"area_name"`
	UserCover  string `json:"user_cover"`
}

// Live reports live_status == 1 (2 is a replay carousel, not a live stream).
func (r RoomInfo) Live() bool { return r.LiveStatus == 1 }

// RoomInfo fetches a room's public state.
func (c *Client) RoomInfo(ctx context.Context, roomID string) (RoomInfo, error) {
	var info RoomInfo
	err := c.get(ctx, c.liveBase(), "/room/v1/Room/get_info", url.Values{"room_id": {roomID}}, &info)
	return info, err
}

// Status implements probe.Source for any room id.
func (c *Client) Status(ctx context.Context, roomID string) (probe.Status, error) {
	info, err := c.RoomInfo(ctx, roomID)
	if err != nil {
		return probe.Status{}, err
	}
	return probe.Status{Live: info.Live(), Title: info.Title, Topic: info.AreaName, StreamID: strconv.Itoa(info.AreaID)}, nil
}

// RTMP is the publish target returned by StartLive.
type RTMP struct {
	Addr string `json:"addr"`
	Code string `json:"code"`
}

// URL joins address and stream key.
func (r RTMP) URL() string { return r.Addr + r.Code }

// StartLive opens the destination room in areaID and returns its publish target.
func (c *Client) StartLive(ctx context.Context, areaID int) (RTMP, error) {
	var out struct {
		RTMP RTMP `json:"rtmp"`
	}
	form := url.Values{
		"room_id":  {c.RoomID},
		"area_v2":  {strconv.Itoa(areaID)},
		"platform": {"pc_link"},
	}
	if err := c.postForm(ctx, c.liveBase(), "/room/v1/Room/startLive", form, &out); err != nil {
		return RTMP{}, err
	}
	return out.RTMP, nil
}

// StopLive closes the destination room.
func (c *Client) StopLive(ctx context.Context) error {
	form := url.Values{"room_id": {c.RoomID}, "platform": {"pc_link"}}
	return c.postForm(ctx, c.liveBase(), "/room/v1/Room/stopLive", form, nil)
}

// SetTitle updates the destination room title.
func (c *Client) SetTitle(ctx context.Context, title string) error {
	form := url.Values{"room_id": {c.RoomID}, "platform": {"pc"}, "title": {title}}
	return c.postForm(ctx, c.liveBase(), "/room/v1/Room/update", form, nil)
}

// SetCategory updates the destination room area.
func (c *Client) SetCategory(ctx context.Context, areaID int) error {
	form := url.Values{"room_id": {c.RoomID}, "platform": {"pc"}, "area_id": {strconv.Itoa(areaID)}}
	return c.postForm(ctx, c.liveBase(), "/room/v1/Room/update", form, nil)
}

// SetCover uploads image and installs it as the room cover.
func (c *Client) SetCover(ctx context.Context, image []byte) error {
	if !c.Credentials.Valid() {
		return ErrNoCredentials
	}
	if len(image) == 0 {
		return errors.New("empty cover image")
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("bucket", "live")
	_ = mw.WriteField("dir", "new_room_cover")
	fw, err := mw.CreateFormFile("file", "cover.jpg")
	if err != nil {
		return err
	}
	if _, err := fw.Write(image); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	u := c.apiBase() + "/x/upload/web/image?csrf=" + url.QueryEscape(c.Credentials.BiliJct)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var up struct {
		Location string `json:"location"`
	}
	if err := c.do(req, &up); err != nil {
		return fmt.Errorf("upload cover: %w", err)
	}
	if up.Location == "" {
		return errors.New("upload cover: empty location")
	}
	form := url.Values{
		"platform":          {"web"},
		"mobi_app":          {"web"},
		"build":             {"1"},
		"cover":             {up.Location},
		"coverVertical":     {""},
		"liveDirectionType": {"1"},
	}
	return c.postForm(ctx, c.liveBase(), "/xlive/app-blink/v1/preLive/UpdatePreLiveInfo", form, nil)
}

// SendMessage posts a chat message in the destination room.
func (c *Client) SendMessage(ctx context.Context, msg string) error {
	form := url.Values{
		"bubble":   {"0"},
		"msg":      {msg},
		"color":    {"16777215"},
		"mode":     {"1"},
		"fontsize": {"25"},
		"rnd":      {strconv.FormatInt(time.Now().Unix(), 10)},
		"roomid":   {c.RoomID},
	}
	return c.postForm(ctx, c.liveBase(), "/msg/send", form, nil)
}

// DanmuHost is one chat server endpoint.
type DanmuHost struct {
	Host    string `json:"host"`
	WSSPort int    `json:"wss_port"`
}

// DanmuInfo is the auth token and host list for the danmaku feed.
type DanmuInfo struct {
	Token    string      `json:"token"`
	HostList []DanmuHost `json:"host_list"`
}

// DanmuInfo fetches chat connection details for roomID.
func (c *Client) DanmuInfo(ctx context.Context, roomID string) (DanmuInfo, error) {
	var info DanmuInfo
	err := c.get(ctx, c.liveBase(), "/xlive/web-room/v1/index/getDanmuInfo", url.Values{"id": {roomID}, "type": {"0"}}, &info)
	return info, err
}
