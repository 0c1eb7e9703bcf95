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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/thrift"
)

// passwordKeyConfigID is the mobileconfig unit carrying the password
// encryption public key (field 1) and its key ID (field 2).
const passwordKeyConfigID = 15712

type passwordKeyConfig struct {
	PublicKey string `thrift:"1"`
	KeyID     int64  `thrift:"2"`
}

type mobileConfigResponse struct {
	Configs map[int64]passwordKeyConfig `thrift:"1"`
}

// FetchPasswordKey fetches the sessionless mobile config blob and extracts
// the RSA public key used for password envelopes.
func (c *Client) FetchPasswordKey(ctx context.Context) error {
	form := url.Values{
		"access_token": {c.sessionlessToken()},
		"api_version":  {"8"},
		"unit_type":    {"1"},
		"device_id":    {c.State.Device.UUID},
		"fetch_mode":   {"SYNC_FULL"},
	}
	body, err := c.postRaw(ctx, reqConfig{host: bAPIHost, path: "/mobileconfigsessionless/", sessionless: true}, form)
	if err != nil {
		return fmt.Errorf("failed to fetch mobile config: %w", err)
	}
	var parsed mobileConfigResponse
	if err = thrift.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("failed to parse mobile config: %w", err)
	}
	cfg, ok := parsed.Configs[passwordKeyConfigID]
	if !ok || cfg.PublicKey == "" {
		return fmt.Errorf("mobile config didn't contain password key (config %d)", passwordKeyConfigID)
	}
	c.mutateState(func(sess *AndroidSession) {
		sess.PasswordEncPubkey = cfg.PublicKey
		sess.PasswordEncKeyID = int(cfg.KeyID)
	})
	return nil
}

// EncryptPassword wraps the password in Facebook's RSA+AES-GCM envelope:
// [0x01, key_id, iv(12), len(rsa(aes_key)) LE u16, rsa(aes_key), tag(16), ct],
// base64'd with the literal `#PWD_MSGR:1:<epoch>:` prefix. The unix time used
// as the prefix is also the GCM associated data.
func (c *Client) EncryptPassword(password string) (string, error) {
	block, _ := pem.Decode([]byte(c.State.Session.PasswordEncPubkey))
	if block == nil {
		return "", fmt.Errorf("failed to decode password encryption pubkey PEM")
	}
	pubkeyAny, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse password encryption pubkey: %w", err)
	}
	pubkey, ok := pubkeyAny.(*rsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("password encryption pubkey is %T, not RSA", pubkeyAny)
	}

	aesKey := make([]byte, 32)
	iv := make([]byte, 12)
	if _, err = rand.Read(aesKey); err != nil {
		return "", err
	} else if _, err = rand.Read(iv); err != nil {
		return "", err
	}
	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pubkey, aesKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt AES key: %w", err)
	}

	aesBlock, err := aes.NewCipher(aesKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return "", err
	}
	epoch := strconv.FormatInt(time.Now().Unix(), 10)
	sealed := gcm.Seal(nil, iv, []byte(password), []byte(epoch))
	tag := sealed[len(sealed)-gcm.Overhead():]
	ciphertext := sealed[:len(sealed)-gcm.Overhead()]

	envelope := make([]byte, 0, 2+len(iv)+2+len(encryptedKey)+len(tag)+len(ciphertext))
	envelope = append(envelope, 0x01, byte(c.State.Session.PasswordEncKeyID))
	envelope = append(envelope, iv...)
	envelope = binary.LittleEndian.AppendUint16(envelope, uint16(len(encryptedKey)))
	envelope = append(envelope, encryptedKey...)
	envelope = append(envelope, tag...)
	envelope = append(envelope, ciphertext...)
	return fmt.Sprintf("#PWD_MSGR:1:%s:%s", epoch, base64.StdEncoding.EncodeToString(envelope)), nil
}

// LoginResponse is the successful /auth/login payload.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UID         int64  `json:"uid"`
	MachineID   string `json:"machine_id"`
	SessionKey  string `json:"session_key"`
	Secret      string `json:"secret"`
	Confirmed   bool   `json:"confirmed"`
}

func (c *Client) sessionlessToken() string {
	return c.State.Application.ClientID + "|" + c.State.Application.ClientSecret
}

func (c *Client) baseLoginForm() url.Values {
	return url.Values{
		"access_token":                {c.sessionlessToken()},
		"adid":                        {c.State.Device.AdID},
		"advertiser_id":               {c.State.Device.AdID},
		"api_key":                     {c.State.Application.ClientID},
		"client_country_code":         {c.State.Device.CountryCode},
		"community_id":                {""},
		"cpl":                         {"true"},
		"currently_logged_in_userid":  {"0"},
		"device_id":                   {c.State.Device.UUID},
		"error_detail_type":           {"button_with_disabled"},
		"family_device_id":            {c.State.Device.UUID},
		"fb_api_caller_class":         {"com.facebook.account.login.protocol.Fb4aAuthHandler"},
		"fb_api_req_friendly_name":    {"authenticate"},
		"format":                      {"json"},
		"generate_analytics_claim":    {"1"},
		"generate_session_cookies":    {"0"},
		"jazoest":                     {c.State.Jazoest()},
		"locale":                      {c.State.Device.Language},
		"meta_inf_fbmeta":             {""},
		"source":                      {"login"},
	}
}

func (c *Client) submitLogin(ctx context.Context, form url.Values) (*LoginResponse, error) {
	var resp LoginResponse
	err := c.post(ctx, reqConfig{host: bAPIHost, path: "/auth/login", sessionless: true}, form, &resp)
	if err != nil {
		return nil, err
	}
	c.mutateState(func(sess *AndroidSession) {
		sess.AccessToken = resp.AccessToken
		sess.UID = resp.UID
		if resp.MachineID != "" {
			sess.MachineID = resp.MachineID
		}
		sess.LoginFirstFactor = ""
		sess.TransientToken = ""
	})
	return &resp, nil
}

// Login performs the password login. password may already be an encrypted
// `#PWD_MSGR` envelope, in which case it is submitted as-is.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	if len(password) < 10 || password[:10] != "#PWD_MSGR:" {
		if c.State.Session.PasswordEncPubkey == "" {
			if err := c.FetchPasswordKey(ctx); err != nil {
				return nil, err
			}
		}
		var err error
		password, err = c.EncryptPassword(password)
		if err != nil {
			return nil, err
		}
	}
	form := c.baseLoginForm()
	form.Set("email", email)
	form.Set("password", password)
	form.Set("credentials_type", "password")
	return c.submitLogin(ctx, form)
}

// Login2FA submits a two-factor code together with the transient state left
// behind by the initial 406 response.
func (c *Client) Login2FA(ctx context.Context, email, code string) (*LoginResponse, error) {
	form := c.baseLoginForm()
	form.Set("email", email)
	form.Set("password", code)
	form.Set("credentials_type", "two_factor")
	form.Set("twofactor_code", code)
	form.Set("userid", strconv.FormatInt(c.State.Session.UID, 10))
	form.Set("machine_id", c.State.Session.MachineID)
	form.Set("first_factor", c.State.Session.LoginFirstFactor)
	form.Set("encrypted_msisdn", "")
	return c.submitLogin(ctx, form)
}

// LoginApproved retries login after the user approved the attempt from
// another device, using the transient auth token as the password.
func (c *Client) LoginApproved(ctx context.Context) (*LoginResponse, error) {
	form := c.baseLoginForm()
	form.Set("email", strconv.FormatInt(c.State.Session.UID, 10))
	form.Set("password", c.State.Session.TransientToken)
	form.Set("credentials_type", "transient_token")
	form.Set("machine_id", c.State.Session.MachineID)
	return c.submitLogin(ctx, form)
}

// Logout invalidates the access token server-side and clears the credential
// tuple locally either way.
func (c *Client) Logout(ctx context.Context) error {
	form := url.Values{
		"access_token": {c.State.Session.AccessToken},
		"format":       {"json"},
	}
	err := c.post(ctx, reqConfig{host: bAPIHost, path: "/auth/expire_session"}, form, nil)
	c.mutateState(func(sess *AndroidSession) {
		c.State.Logout()
	})
	return err
}
