// Copyright 2025 Magpie Labs
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

package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Hash computes the content hash used for change detection: hex sha256 over
// a canonical JSON encoding of {content, metadata}. Metadata keys are sorted
// recursively so the hash is independent of map iteration order.
func Hash(d *Document) string {
	var b strings.Builder
	b.WriteString(`{"content":`)
	writeCanonical(&b, d.Content)
	b.WriteString(`,"metadata":`)
	writeCanonical(&b, map[string]any(d.Metadata))
	b.WriteString("}")

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// HashChunk computes the per-chunk content hash over the raw chunk text.
func HashChunk(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// writeCanonical emits a deterministic JSON encoding: object keys sorted,
// scalars via encoding/json so escaping and number formatting stay standard.
func writeCanonical(b *strings.Builder, v any) {
	switch vv := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(vv))
		for k := range vv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonical(b, k)
			b.WriteString(":")
			writeCanonical(b, vv[k])
		}
		b.WriteString("}")
	case Metadata:
		writeCanonical(b, map[string]any(vv))
	case []any:
		b.WriteString("[")
		for i, item := range vv {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonical(b, item)
		}
		b.WriteString("]")
	case []string:
		b.WriteString("[")
		for i, item := range vv {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonical(b, item)
		}
		b.WriteString("]")
	default:
		enc, err := json.Marshal(vv)
		if err != nil {
			// Unencodable values should never reach metadata; fall back to
			// the string form so hashing stays total.
			enc, _ = json.Marshal(fmt.Sprint(vv))
		}
		b.Write(enc)
	}
}
