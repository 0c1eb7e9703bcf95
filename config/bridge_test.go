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

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"go.mau.fi/mautrix-facebook/pkg/maufbapi/types"
)

func parseBridgeConfig(t *testing.T, data string) *BridgeConfig {
	t.Helper()
	var bc BridgeConfig
	require.NoError(t, yaml.Unmarshal([]byte(data), &bc))
	return &bc
}

func TestBridgeConfig_FormatUsername(t *testing.T) {
	bc := parseBridgeConfig(t, `
username_template: facebook_{{.}}
displayname_template: "{{.Name}} (FB)"
`)
	assert.Equal(t, "facebook_12345", bc.FormatUsername(12345))
}

func TestBridgeConfig_FormatDisplayname(t *testing.T) {
	bc := parseBridgeConfig(t, `
username_template: facebook_{{.}}
displayname_template: "{{.Name}} (FB)"
`)
	assert.Equal(t, "Some One (FB)", bc.FormatDisplayname("Some One", 12345))

	bc = parseBridgeConfig(t, `
username_template: fb_{{.}}
displayname_template: "{{if .Name}}{{.Name}}{{else}}{{.FBID}}{{end}}"
`)
	assert.Equal(t, "12345", bc.FormatDisplayname("", 12345))
}

func TestBridgeConfig_UnmarshalYAML_MissingPlaceholder(t *testing.T) {
	var bc BridgeConfig
	err := yaml.Unmarshal([]byte(`
username_template: facebook_static
displayname_template: "{{.Name}}"
`), &bc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "placeholder")
}

func TestMaxMessages_GetMaxMessagesFor(t *testing.T) {
	mm := MaxMessages{User: 10, Group: 20, Page: 30}
	assert.Equal(t, 10, mm.GetMaxMessagesFor(types.ThreadTypeUser))
	assert.Equal(t, 20, mm.GetMaxMessagesFor(types.ThreadTypeGroup))
	assert.Equal(t, 30, mm.GetMaxMessagesFor(types.ThreadTypePage))
	assert.Equal(t, 0, mm.GetMaxMessagesFor(types.ThreadTypeUnknown))
}
