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
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// MediaType selects the rupload path for an outgoing file.
type MediaType string

const (
	MediaImage MediaType = "messenger_image"
	MediaGIF   MediaType = "messenger_gif"
	MediaAudio MediaType = "messenger_audio"
	MediaVideo MediaType = "messenger_video"
	MediaFile  MediaType = "messenger_file"
)

// MediaTypeFor picks the upload path type from the sniffed or provided mime
// type.
func MediaTypeFor(mime string) MediaType {
	switch {
	case mime == "image/gif":
		return MediaGIF
	case strings.HasPrefix(mime, "image/"):
		return MediaImage
	case strings.HasPrefix(mime, "audio/"):
		return MediaAudio
	case strings.HasPrefix(mime, "video/"):
		return MediaVideo
	default:
		return MediaFile
	}
}

type mediaUploadResponse struct {
	MediaID  int64  `json:"media_id"`
	FBID     string `json:"fbid"`
	RealID   json.Number `json:"real_id"`
	Success  bool   `json:"success"`
	DebugMsg string `json:"debug_info,omitempty"`
}

// SendMedia uploads a file to rupload and lets the server deliver it to the
// thread: there is no separate send RPC, the offline threading ID in the
// upload name is the correlator for the echo.
func (c *Client) SendMedia(ctx context.Context, threadID, offlineThreadingID int64, fileName string, data []byte) error {
	mime := mimetype.Detect(data).String()
	checksum := md5.Sum(data)
	uploadName := hex.EncodeToString(checksum[:]) + strconv.FormatInt(offlineThreadingID, 10)
	uploadURL := fmt.Sprintf("%s/%s/%s", rupBaseURL, MediaTypeFor(mime), uploadName)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to prepare upload: %w", err)
	}
	c.addHeaders(req, false)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Entity-Length", strconv.Itoa(len(data)))
	req.Header.Set("X-Entity-Name", fileName)
	req.Header.Set("X-Entity-Type", mime)
	req.Header.Set("Offset", "0")
	req.Header.Set("X-MSGR-Region", c.State.SessionRegion("ODN"))
	req.Header.Set("Send-Message-To", strconv.FormatInt(threadID, 10))
	req.Header.Set("Offline-Threading-Id", strconv.FormatInt(offlineThreadingID, 10))
	req.Header.Set("Sender-FBID", strconv.FormatInt(c.State.Session.UID, 10))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()
	body, err := c.readBody(resp)
	if err != nil {
		return err
	}
	var parsed mediaUploadResponse
	if err = c.decodeResponse(resp.StatusCode, body, &parsed); err != nil {
		return err
	}
	if !parsed.Success && parsed.MediaID == 0 && parsed.FBID == "" {
		return fmt.Errorf("media upload was not acknowledged: %s", parsed.DebugMsg)
	}
	return nil
}

// DownloadMedia fetches an attachment URL with the client headers, returning
// the body and the sniffed mime type.
func (c *Client) DownloadMedia(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to prepare download: %w", err)
	}
	req.Header.Set("User-Agent", c.State.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("unexpected status %d downloading media", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media body: %w", err)
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(data).String()
	}
	return data, mime, nil
}
