// Copyright (C) 2022 Sneller, Inc.
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
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"os"

	"sigs.k8s.io/yaml"
)

// peerFile is the decoded form of the -peers flag's descriptor: the
// TCP addresses of every worker process, in the fixed order that
// assigns each one its peer rank starting at 1 (rank 0 is always the
// coordinator itself and never appears in Workers).
type peerFile struct {
	Workers []string `json:"workers"`
}

// loadPeerFile reads and decodes path. An empty path is not an error:
// it means the coordinator runs every rank inline, with no workers to
// dial.
func loadPeerFile(path string) (peerFile, error) {
	if path == "" {
		return peerFile{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return peerFile{}, err
	}
	var pf peerFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return peerFile{}, err
	}
	return pf, nil
}
