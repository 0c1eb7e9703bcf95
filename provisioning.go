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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridge/status"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi"
)

type ProvisioningAPI struct {
	bridge *FBBridge
	zlog   zerolog.Logger
}

func newProvisioningAPI(br *FBBridge) *ProvisioningAPI {
	p := &ProvisioningAPI{
		bridge: br,
		zlog:   br.ZLog.With().Str("component", "provisioning").Logger(),
	}

	prefix := br.Config.Bridge.Provisioning.Prefix
	p.zlog.Debug().Str("prefix", prefix).Msg("Enabling provisioning API")

	r := br.AS.Router.PathPrefix(prefix).Subrouter()
	r.Use(p.authMiddleware)

	r.HandleFunc("/v1/ping", p.ping).Methods(http.MethodGet)
	r.HandleFunc("/v1/login", p.login).Methods(http.MethodPost)
	r.HandleFunc("/v1/login_2fa", p.login2FA).Methods(http.MethodPost)
	r.HandleFunc("/v1/login_approved", p.loginApproved).Methods(http.MethodPost)
	r.HandleFunc("/v1/logout", p.logout).Methods(http.MethodPost)
	r.HandleFunc("/v1/disconnect", p.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/v1/reconnect", p.reconnect).Methods(http.MethodPost)

	br.AS.Router.HandleFunc("/_matrix/app/com.beeper.bridge_state", p.BridgeStatePing).Methods(http.MethodPost)

	return p
}

func jsonResponse(w http.ResponseWriter, status int, response interface{}) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

type Response struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
}

type Error struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	ErrCode string `json:"errcode"`
}

type provisioningContextKey int

const provisioningUserKey provisioningContextKey = iota

func (p *ProvisioningAPI) authMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			auth = auth[len("Bearer "):]
		}
		if auth != p.bridge.Config.Bridge.Provisioning.SharedSecret {
			jsonResponse(w, http.StatusForbidden, Error{
				Error:   "Invalid auth token",
				ErrCode: "M_FORBIDDEN",
			})
			return
		}

		userID := r.URL.Query().Get("user_id")
		user := p.bridge.GetUserByMXID(id.UserID(userID))
		if user == nil {
			jsonResponse(w, http.StatusBadRequest, Error{
				Error:   "Invalid user ID",
				ErrCode: "M_BAD_REQUEST",
			})
			return
		}

		start := time.Now()
		h.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), provisioningUserKey, user)))
		p.zlog.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Stringer("user_id", user.MXID).
			Dur("duration", time.Since(start)).
			Msg("Provisioning request")
	})
}

func provisioningUser(r *http.Request) *User {
	return r.Context().Value(provisioningUserKey).(*User)
}

func (p *ProvisioningAPI) ping(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	resp := map[string]interface{}{
		"mxid":            user.MXID,
		"management_room": user.ManagementRoom,
		"facebook": map[string]interface{}{
			"logged_in": user.IsLoggedIn(),
			"connected": user.IsConnected(),
			"fbid":      user.FBID,
		},
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (p *ProvisioningAPI) login(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	_ = r.ParseForm()

	email := r.Form.Get("email")
	password := r.Form.Get("password")
	if email == "" || password == "" {
		jsonResponse(w, http.StatusBadRequest, Error{
			Error:   "Missing email or password",
			ErrCode: "M_BAD_REQUEST",
		})
		return
	}

	err := user.Login(r.Context(), email, password)
	if errors.Is(err, maufbapi.ErrTwoFactorRequired) {
		jsonResponse(w, http.StatusAccepted, map[string]interface{}{
			"success": false,
			"status":  "two-factor",
		})
		return
	} else if err != nil {
		jsonResponse(w, http.StatusNotAcceptable, Error{
			Error:   fmt.Sprintf("Failed to log in: %v", err),
			ErrCode: "M_UNKNOWN",
		})
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"fbid":    user.FBID,
	})
}

func (p *ProvisioningAPI) login2FA(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	_ = r.ParseForm()

	email := r.Form.Get("email")
	code := r.Form.Get("code")
	if code == "" {
		jsonResponse(w, http.StatusBadRequest, Error{
			Error:   "Missing code",
			ErrCode: "M_BAD_REQUEST",
		})
		return
	}

	err := user.Login2FA(r.Context(), email, code)
	if err != nil {
		jsonResponse(w, http.StatusNotAcceptable, Error{
			Error:   fmt.Sprintf("Failed to verify code: %v", err),
			ErrCode: "M_UNKNOWN",
		})
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"fbid":    user.FBID,
	})
}

func (p *ProvisioningAPI) loginApproved(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	err := user.LoginApproved(r.Context())
	if err != nil {
		jsonResponse(w, http.StatusNotAcceptable, Error{
			Error:   fmt.Sprintf("Failed to complete login: %v", err),
			ErrCode: "M_UNKNOWN",
		})
		return
	}
	jsonResponse(w, http.StatusCreated, map[string]interface{}{
		"success": true,
		"fbid":    user.FBID,
	})
}

func (p *ProvisioningAPI) logout(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	if !user.IsLoggedIn() {
		jsonResponse(w, http.StatusNotFound, Error{
			Error:   "Not logged in",
			ErrCode: "M_NOT_FOUND",
		})
		return
	}
	user.Logout(r.Context())
	jsonResponse(w, http.StatusOK, Response{Success: true, Status: "Logged out successfully."})
}

func (p *ProvisioningAPI) disconnect(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	if !user.IsConnected() {
		jsonResponse(w, http.StatusNotFound, Error{
			Error:   "Not connected",
			ErrCode: "M_NOT_FOUND",
		})
		return
	}
	user.Disconnect()
	jsonResponse(w, http.StatusOK, Response{Success: true, Status: "Disconnected from the server."})
}

func (p *ProvisioningAPI) reconnect(w http.ResponseWriter, r *http.Request) {
	user := provisioningUser(r)
	if !user.IsLoggedIn() {
		jsonResponse(w, http.StatusNotFound, Error{
			Error:   "Not logged in",
			ErrCode: "M_NOT_FOUND",
		})
		return
	}
	if user.IsConnected() {
		jsonResponse(w, http.StatusConflict, Error{
			Error:   "Already connected",
			ErrCode: "M_CONFLICT",
		})
		return
	}
	go user.Connect()
	jsonResponse(w, http.StatusAccepted, Response{Success: true, Status: "Connecting to the server."})
}

func (p *ProvisioningAPI) BridgeStatePing(w http.ResponseWriter, r *http.Request) {
	if !p.bridge.AS.CheckServerToken(w, r) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	user := p.bridge.GetUserByMXID(id.UserID(userID))

	var global status.BridgeState
	global.StateEvent = status.StateRunning
	global = global.Fill(nil)
	resp := status.GlobalBridgeState{
		BridgeState:  global,
		RemoteStates: map[string]status.BridgeState{},
	}
	if user != nil && user.IsLoggedIn() {
		var remote status.BridgeState
		if user.IsConnected() {
			remote.StateEvent = status.StateConnected
		} else {
			remote.StateEvent = status.StateTransientDisconnect
		}
		remote = remote.Fill(user)
		resp.RemoteStates[remote.RemoteID] = remote
	}
	jsonResponse(w, http.StatusOK, &resp)
}
