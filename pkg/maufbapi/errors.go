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
	"errors"
	"fmt"
)

// Sentinel categories for classified API errors. Wrap with errors.Is to
// check, and errors.As with *ResponseError for the details.
var (
	ErrInvalidAccessToken = errors.New("invalid access token")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrIncorrectPassword  = errors.New("incorrect password")
	ErrTwoFactorRequired  = errors.New("two-factor authentication required")
	ErrGraphMethod        = errors.New("graph method error")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
)

// TwoFactorInfo is the transient state carried by a 406 login response. It is
// copied into the session so the follow-up 2FA call can reference it.
type TwoFactorInfo struct {
	UID              int64  `json:"uid"`
	MachineID        string `json:"machine_id"`
	AuthToken        string `json:"auth_token"`
	LoginFirstFactor string `json:"login_first_factor"`
	SupportURI       string `json:"support_uri"`
}

// ResponseError is an `error` object in an otherwise successful (2xx) HTTP
// response, classified by its numeric code or type string.
type ResponseError struct {
	Code      int            `json:"code"`
	ErrorType string         `json:"type"`
	Message   string         `json:"message"`
	ErrorData *TwoFactorInfo `json:"error_data"`

	category error
}

func (re *ResponseError) Error() string {
	if re.ErrorType != "" {
		return fmt.Sprintf("%d/%s: %s", re.Code, re.ErrorType, re.Message)
	}
	return fmt.Sprintf("%d: %s", re.Code, re.Message)
}

func (re *ResponseError) Unwrap() error {
	return re.category
}

// classify resolves the sentinel category after JSON decoding.
func (re *ResponseError) classify() *ResponseError {
	switch re.Code {
	case 190:
		re.category = ErrInvalidAccessToken
	case 400:
		re.category = ErrInvalidEmail
	case 401:
		re.category = ErrIncorrectPassword
	case 406:
		re.category = ErrTwoFactorRequired
	case 613, 368:
		re.category = ErrRateLimitExceeded
	default:
		switch re.ErrorType {
		case "OAuthException":
			re.category = ErrInvalidAccessToken
		case "GraphMethodException":
			re.category = ErrGraphMethod
		}
	}
	return re
}

// GraphQLErrorObject is one entry of a GraphQL `errors` list.
type GraphQLErrorObject struct {
	Code        int    `json:"code"`
	APIErrorCode int   `json:"api_error_code"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Message     string `json:"message"`
	IsSilent    bool   `json:"is_silent"`
	IsTransient bool   `json:"is_transient"`
	Severity    string `json:"severity"`
}

func (gqlErr *GraphQLErrorObject) text() string {
	if gqlErr.Summary != "" {
		return gqlErr.Summary
	}
	return gqlErr.Message
}

// GraphQLError surfaces the first entry of an `errors` list with the rest
// attached for logging.
type GraphQLError struct {
	First GraphQLErrorObject
	Rest  []GraphQLErrorObject
}

func (gql *GraphQLError) Error() string {
	if len(gql.Rest) > 0 {
		return fmt.Sprintf("%d: %s (and %d more errors)", gql.First.Code, gql.First.text(), len(gql.Rest))
	}
	return fmt.Sprintf("%d: %s", gql.First.Code, gql.First.text())
}

func (gql *GraphQLError) Unwrap() error {
	if gql.First.Code == 1675004 || gql.First.APIErrorCode == 613 {
		return ErrRateLimitExceeded
	}
	return nil
}

// ResponseTypeError means the server returned something that isn't JSON.
type ResponseTypeError struct {
	Status int
	Body   string
}

func (rte *ResponseTypeError) Error() string {
	body := rte.Body
	if len(body) > 256 {
		body = body[:253] + "..."
	}
	return fmt.Sprintf("HTTP %d with non-JSON body: %s", rte.Status, body)
}
