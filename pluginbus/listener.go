// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

package pluginbus

import "reflect"

// sameFunc compares two ListenerFunc values by their underlying code
// pointer, since function values in Go are not comparable with ==. This is
// the same identity test used by most "Off(event, fn)"-style APIs in the
// ecosystem: it matches a closure to itself but not to a different closure
// with identical behavior.
func sameFunc(a, b ListenerFunc) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
