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
	"maunium.net/go/mautrix/bridge/bridgeconfig"
)

type Config struct {
	*bridgeconfig.BaseConfig `yaml:",inline"`

	Facebook FacebookConfig `yaml:"facebook"`

	Bridge BridgeConfig `yaml:"bridge"`
}

type FacebookConfig struct {
	// DeviceSeed is the secret used to derive per-user fake Android device
	// identities. Changing it makes all logins look like new devices.
	DeviceSeed string `yaml:"device_seed"`
	Proxy      string `yaml:"proxy"`
}
