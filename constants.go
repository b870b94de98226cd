/*
   Copyright @ 2022 The flashtier Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package flashtier

const (
	// Version project
	Version = "beta"

	// DefaultHTTPAddr is the default listen address of the node server
	DefaultHTTPAddr = ":8089"

	// SectorSize block devices are addressed in 512-byte sectors
	SectorSize = 512
)
