// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionresume

// zeroBytes overwrites b with zeros in place. It is called on every secret
// buffer (a ticket's cipher key and MAC key) before the buffer is allowed
// to become garbage, so that a later heap scrape can't recover retired
// key material.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
