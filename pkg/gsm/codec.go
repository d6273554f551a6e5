// Copyright 2026 The DisaggOS Authors.
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

package gsm

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content subtype of GSM messages.
const codecName = "json"

// jsonCodec encodes GSM messages as JSON. The messages are a handful of
// integers, so there is no generated protobuf code.
type jsonCodec struct{}

// Marshal implements encoding.Codec.Marshal.
func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal implements encoding.Codec.Unmarshal.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Name implements encoding.Codec.Name.
func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
