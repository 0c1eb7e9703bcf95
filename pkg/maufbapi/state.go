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

// Package maufbapi is a client for the Facebook Messenger mobile API,
// reverse-engineered from the Android app: an HTTP/GraphQL layer for
// request/response calls and (in the mqtt subpackage) a realtime layer over
// Facebook's customized MQTT dialect.
package maufbapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// AndroidApplication contains the identity of the client application. These
// values are fixed per app build and are not account-specific.
type AndroidApplication struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	AppVersion    string `json:"app_version"`
	AppVersionID  int64  `json:"app_version_id"`
	BuildID       int64  `json:"build_id"`
	PackageName   string `json:"package_name"`
	CapabilityTag string `json:"capability_tag"`
}

// AndroidDevice is the persistent fake device identity of one account.
type AndroidDevice struct {
	UUID         string `json:"uuid"`
	AdID         string `json:"adid"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Build        string `json:"build"`
	OSVersion    string `json:"os_version"`
	SDKVersion   int    `json:"sdk_version"`
	Language     string `json:"language"`
	CountryCode  string `json:"country_code"`
	DPI          int    `json:"dpi"`
	ScreenWidth  int    `json:"screen_width"`
	ScreenHeight int    `json:"screen_height"`
	NetInterface string `json:"net_interface"`
}

type AndroidCarrier struct {
	Name string `json:"name"`
	HNI  int    `json:"hni"`
}

// AndroidSession holds per-login state. The (AccessToken, UID, MachineID)
// tuple is either fully set or fully empty.
type AndroidSession struct {
	AccessToken       string `json:"access_token,omitempty"`
	UID               int64  `json:"uid,omitempty"`
	MachineID         string `json:"machine_id,omitempty"`
	RegionHint        string `json:"region_hint,omitempty"`
	TransientToken    string `json:"transient_auth_token,omitempty"`
	LoginFirstFactor  string `json:"login_first_factor,omitempty"`
	PasswordEncPubkey string `json:"password_encryption_pubkey,omitempty"`
	PasswordEncKeyID  int    `json:"password_encryption_key_id,omitempty"`
}

// AndroidState is the full persisted client identity of one bridged account.
type AndroidState struct {
	Application AndroidApplication `json:"application"`
	Device      AndroidDevice      `json:"device"`
	Carrier     AndroidCarrier     `json:"carrier"`
	Session     AndroidSession     `json:"session"`

	ConnectionType string `json:"connection_type"`
}

var defaultApplication = AndroidApplication{
	ClientID:      "256002347743983",
	ClientSecret:  "374e60f8b9bb6b8cbb30f78030438895",
	AppVersion:    "322.0.0.3.107",
	AppVersionID:  338310486,
	BuildID:       465425025,
	PackageName:   "com.facebook.orca",
	CapabilityTag: "messenger",
}

var deviceCatalog = []AndroidDevice{
	{Manufacturer: "Google", Model: "Pixel 5", Build: "RQ3A.211001.001", OSVersion: "11", SDKVersion: 30, DPI: 440, ScreenWidth: 1080, ScreenHeight: 2340},
	{Manufacturer: "Google", Model: "Pixel 6", Build: "SQ1D.220205.004", OSVersion: "12", SDKVersion: 31, DPI: 420, ScreenWidth: 1080, ScreenHeight: 2400},
	{Manufacturer: "Samsung", Model: "SM-G991B", Build: "SP1A.210812.016", OSVersion: "12", SDKVersion: 31, DPI: 480, ScreenWidth: 1080, ScreenHeight: 2400},
	{Manufacturer: "OnePlus", Model: "KB2003", Build: "RP1A.201005.001", OSVersion: "11", SDKVersion: 30, DPI: 420, ScreenWidth: 1080, ScreenHeight: 2400},
}

var defaultCarriers = []AndroidCarrier{
	{Name: "Verizon", HNI: 311390},
	{Name: "T-Mobile", HNI: 310260},
	{Name: "AT&T", HNI: 310410},
	{Name: "Vodafone", HNI: 26202},
}

// NewAndroidState derives a deterministic device identity from the configured
// seed and an external ID (the Matrix user ID). The same seed and ID always
// produce the same device, so re-logins don't look like new devices.
func NewAndroidState(seed []byte, externalID string) *AndroidState {
	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(externalID))
	sum := mac.Sum(nil)

	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	device := deviceCatalog[rng.Intn(len(deviceCatalog))]
	device.UUID = derivedUUID(sum, 0x01)
	device.AdID = derivedUUID(sum, 0x02)
	device.Language = "en_US"
	device.CountryCode = "US"
	device.NetInterface = "wifi"

	return &AndroidState{
		Application:    defaultApplication,
		Device:         device,
		Carrier:        defaultCarriers[rng.Intn(len(defaultCarriers))],
		ConnectionType: "WIFI",
	}
}

// derivedUUID builds a stable v4-shaped UUID from the HMAC output. The salt
// byte keeps the device UUID and the advertising ID distinct.
func derivedUUID(sum []byte, salt byte) string {
	material := sha256.Sum256(append([]byte{salt}, sum...))
	parsed, err := uuid.FromBytes(material[:16])
	if err != nil {
		// 16 bytes can never fail to parse.
		panic(err)
	}
	raw := [16]byte(parsed)
	raw[6] = (raw[6] & 0x0f) | 0x40
	raw[8] = (raw[8] & 0x3f) | 0x80
	return uuid.UUID(raw).String()
}

// UserAgent assembles the app user agent from the device and application
// fields, matching the format the Android client sends.
func (state *AndroidState) UserAgent() string {
	return fmt.Sprintf(
		"Dalvik/2.1.0 (Linux; U; Android %s; %s Build/%s) [FBAN/Orca-Android;FBAV/%s;FBPN/%s;FBLC/%s;FBBV/%d;FBCR/%s;FBMF/%s;FBBD/%s;FBDV/%s;FBSV/%s;FBCA/arm64-v8a:;FBDM/{density=%.1f,width=%d,height=%d};FB_FW/1;]",
		state.Device.OSVersion, state.Device.Model, state.Device.Build,
		state.Application.AppVersion, state.Application.PackageName, state.Device.Language,
		state.Application.BuildID, state.Carrier.Name, state.Device.Manufacturer,
		state.Device.Manufacturer, state.Device.Model, state.Device.OSVersion,
		float64(state.Device.DPI)/160, state.Device.ScreenWidth, state.Device.ScreenHeight,
	)
}

// IsLoggedIn tells whether the session has complete credentials.
func (state *AndroidState) IsLoggedIn() bool {
	return state.Session.AccessToken != "" && state.Session.UID != 0 && state.Session.MachineID != ""
}

// Logout clears the credential tuple together, preserving the device identity
// and the UID for re-login.
func (state *AndroidState) Logout() {
	state.Session.AccessToken = ""
	state.Session.MachineID = ""
	state.Session.TransientToken = ""
	state.Session.LoginFirstFactor = ""
}

// Jazoest derives the undocumented `jazoest` form value from the device UUID.
// The formula has no known semantics, but the server rejects logins without
// it, so it must not be changed.
func (state *AndroidState) Jazoest() string {
	var sum int
	for _, r := range state.Device.UUID {
		sum += int(r)
	}
	return fmt.Sprintf("2%d", sum)
}

// PrettyUA is the shortened user agent used on the MQTT side.
func (state *AndroidState) PrettyUA() string {
	return strings.Join([]string{
		"FBAN/MessengerForAndroid",
		"FBAV/" + state.Application.AppVersion,
		"FBLC/" + state.Device.Language,
		"FBMF/" + state.Device.Manufacturer,
		"FBDV/" + state.Device.Model,
	}, ";")
}

// SessionRegion formats the region hint for the MQTT host, defaulting to ODN.
func (state *AndroidState) SessionRegion(defaultRegion string) string {
	if state.Session.RegionHint != "" {
		return state.Session.RegionHint
	}
	return defaultRegion
}

// DeviceFingerprint is a short stable identifier for logs.
func (state *AndroidState) DeviceFingerprint() string {
	sum := sha256.Sum256([]byte(state.Device.UUID))
	return hex.EncodeToString(sum[:4])
}
