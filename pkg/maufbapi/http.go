// mautrix-facebook - A Matrix-Facebook Messenger puppeting bridge.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package maufbapi

import (
	"context"
	"crypto/md5"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

const (
	apiHost     = "api.facebook.com"
	bAPIHost    = "b-api.facebook.com"
	rupBaseURL  = "https://rupload.facebook.com"
	graphSuffix = "/method/"
)

// zstdDict is the static dictionary Facebook pre-seeds its response
// compression with. The blob is shipped with the client app.
//
//go:embed zstd-dict.bin
var zstdDict []byte

var (
	zstdDecoder     *zstd.Decoder
	zstdDecoderErr  error
	zstdDecoderOnce sync.Once
)

func getZstdDecoder() (*zstd.Decoder, error) {
	zstdDecoderOnce.Do(func() {
		zstdDecoder, zstdDecoderErr = zstd.NewReader(nil, zstd.WithDecoderDicts(zstdDict))
	})
	return zstdDecoder, zstdDecoderErr
}

// Client wraps the keep-alive HTTP pool plus the signed-request helpers
// shared by the auth, GraphQL and media layers.
type Client struct {
	State *AndroidState
	Log   zerolog.Logger

	http *http.Client

	// StateMutated is called whenever a response mutates the session (2FA
	// transient state, region hints), so the owner can persist it.
	StateMutated func()
}

func NewClient(state *AndroidState, log zerolog.Logger) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 2 * time.Minute,
	}
	// ALL_PROXY style SOCKS proxies aren't handled by net/http itself.
	if dialer := proxy.FromEnvironment(); dialer != proxy.Direct {
		if ctxDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = ctxDialer.DialContext
			transport.Proxy = nil
		}
	}
	return &Client{
		State: state,
		Log:   log,
		http: &http.Client{
			Transport: transport,
			Timeout:   3 * time.Minute,
		},
	}
}

// SetProxy overrides the environment-detected proxy with an explicit one.
func (c *Client) SetProxy(proxyURL string) error {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return err
	}
	transport := c.http.Transport.(*http.Transport)
	if parsed.Scheme == "socks5" || parsed.Scheme == "socks5h" {
		var auth *proxy.Auth
		if parsed.User != nil {
			pw, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: pw}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, &net.Dialer{Timeout: 30 * time.Second})
		if err != nil {
			return err
		}
		transport.DialContext = dialer.(proxy.ContextDialer).DialContext
		transport.Proxy = nil
	} else {
		transport.Proxy = http.ProxyURL(parsed)
	}
	return nil
}

func (c *Client) mutateState(mutate func(*AndroidSession)) {
	mutate(&c.State.Session)
	if c.StateMutated != nil {
		c.StateMutated()
	}
}

// addHeaders attaches the fixed mobile-client header set, including the
// bogus Liger transport marker and the network hints the server expects.
func (c *Client) addHeaders(req *http.Request, sessionless bool) {
	token := "null"
	if !sessionless && c.State.Session.AccessToken != "" {
		token = c.State.Session.AccessToken
	}
	req.Header.Set("User-Agent", c.State.UserAgent())
	req.Header.Set("X-FB-HTTP-Engine", "Liger")
	req.Header.Set("X-FB-Client-IP", "True")
	req.Header.Set("X-FB-Server-Cluster", "True")
	req.Header.Set("X-FB-Connection-Quality", "EXCELLENT")
	req.Header.Set("X-FB-Connection-Type", strings.ToLower(c.State.ConnectionType))
	req.Header.Set("X-FB-SIM-HNI", strconv.Itoa(c.State.Carrier.HNI))
	req.Header.Set("X-FB-Net-HNI", strconv.Itoa(c.State.Carrier.HNI))
	req.Header.Set("X-FB-Device-Group", "5120")
	req.Header.Set("Authorization", "OAuth "+token)
	if c.State.Session.RegionHint != "" {
		req.Header.Set("X-FB-Connection-Token", c.State.Session.RegionHint)
	}
}

// sign alphabetizes the form, concatenates k=v pairs, appends the client
// secret and attaches the MD5 as `sig`.
func (c *Client) sign(form url.Values) url.Values {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var data strings.Builder
	for _, key := range keys {
		data.WriteString(key)
		data.WriteByte('=')
		data.WriteString(form.Get(key))
	}
	data.WriteString(c.State.Application.ClientSecret)
	checksum := md5.Sum([]byte(data.String()))
	form.Set("sig", hex.EncodeToString(checksum[:]))
	return form
}

type reqConfig struct {
	host        string
	path        string
	sessionless bool
	unsigned    bool
}

// post submits a signed form-encoded POST and decodes the JSON response into
// target, applying the §7 error taxonomy on the way.
func (c *Client) post(ctx context.Context, cfg reqConfig, form url.Values, target any) error {
	if !cfg.unsigned {
		form = c.sign(form)
	}
	reqURL := url.URL{Scheme: "https", Host: cfg.host, Path: cfg.path}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.addHeaders(req, cfg.sessionless)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp)
	if err != nil {
		return err
	}
	return c.decodeResponse(resp.StatusCode, body, target)
}

// postRaw is like post, but returns the raw body without JSON handling.
// Used for the Thrift-encoded mobileconfig response.
func (c *Client) postRaw(ctx context.Context, cfg reqConfig, form url.Values) ([]byte, error) {
	if !cfg.unsigned {
		form = c.sign(form)
	}
	reqURL := url.URL{Scheme: "https", Host: cfg.host, Path: cfg.path}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.addHeaders(req, cfg.sessionless)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		// Error bodies are JSON even on binary endpoints.
		return nil, c.decodeResponse(resp.StatusCode, body, nil)
	}
	return body, nil
}

// readBody reads the response, transparently decompressing the zstd
// dictionary encoding Facebook uses for some GraphQL responses.
func (c *Client) readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == "x-fb-dz" && resp.Header.Get("x-fb-dz-dict") == "1" {
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, fmt.Errorf("zstd dictionary unavailable: %w", err)
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress x-fb-dz body: %w", err)
		}
	}
	return body, nil
}

type baseResponse struct {
	Error  *ResponseError       `json:"error"`
	Errors []GraphQLErrorObject `json:"errors"`
	Data   json.RawMessage      `json:"data"`
}

func (c *Client) decodeResponse(status int, body []byte, target any) error {
	if !json.Valid(body) || (len(body) > 0 && body[0] != '{' && body[0] != '[') {
		return &ResponseTypeError{Status: status, Body: string(body)}
	}
	var base baseResponse
	if err := json.Unmarshal(body, &base); err != nil {
		return &ResponseTypeError{Status: status, Body: string(body)}
	}
	if base.Error != nil && (base.Error.Code != 0 || base.Error.ErrorType != "" || base.Error.Message != "") {
		base.Error.classify()
		if base.Error.ErrorData != nil {
			// A two-factor challenge carries session material for the
			// follow-up call.
			data := base.Error.ErrorData
			c.mutateState(func(sess *AndroidSession) {
				sess.UID = data.UID
				sess.MachineID = data.MachineID
				sess.TransientToken = data.AuthToken
				sess.LoginFirstFactor = data.LoginFirstFactor
			})
		}
		return base.Error
	}
	if len(base.Errors) > 0 && (status >= 400 || len(base.Data) == 0) {
		return &GraphQLError{First: base.Errors[0], Rest: base.Errors[1:]}
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}
