// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package core

import (
	"bytes"
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"
)

func marshalTorrent(t *testing.T, root map[string]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, root))
	return buf.Bytes()
}

func singleFileTorrent(t *testing.T, pieceLength int64, content []byte) []byte {
	t.Helper()
	var pieces bytes.Buffer
	for _, h := range hashPieces(content, pieceLength) {
		pieces.Write(h[:])
	}
	return marshalTorrent(t, map[string]interface{}{
		"announce": "http://tracker.example.com:6969/announce",
		"info": map[string]interface{}{
			"name":         "blob.bin",
			"length":       int64(len(content)),
			"piece length": pieceLength,
			"pieces":       pieces.String(),
		},
	})
}

func TestParseMetaInfoSingleFile(t *testing.T) {
	require := require.New(t)

	content := []byte(strings.Repeat("deadbeef", 10)) // 80 bytes
	b := singleFileTorrent(t, 32, content)

	mi, err := ParseMetaInfo(b)
	require.NoError(err)

	require.Equal("blob.bin", mi.Name())
	require.Equal(int64(80), mi.Length())
	require.Equal(3, mi.NumPieces())
	require.Equal(int64(32), mi.PieceLength())
	require.Equal(int64(32), mi.GetPieceLength(0))
	require.Equal(int64(16), mi.GetPieceLength(2))
	require.Equal(
		[][]string{{"http://tracker.example.com:6969/announce"}}, mi.AnnounceTiers())
	require.Equal(
		[]FileInfo{{Path: "blob.bin", Length: 80, FirstPiece: 0}}, mi.Files())
	require.True(mi.GetPieceHash(2).Matches(content[64:]))
}

func TestParseMetaInfoInfoHashMatchesRawInfoBytes(t *testing.T) {
	require := require.New(t)

	info := map[string]interface{}{
		"name":         "blob.bin",
		"length":       int64(16),
		"piece length": int64(16),
		"pieces":       string(make([]byte, 20)),
	}
	var rawInfo bytes.Buffer
	require.NoError(bencode.Marshal(&rawInfo, info))

	b := marshalTorrent(t, map[string]interface{}{
		"announce": "http://tracker.example.com:6969/announce",
		"info":     info,
	})

	mi, err := ParseMetaInfo(b)
	require.NoError(err)
	require.Equal(InfoHash(sha1.Sum(rawInfo.Bytes())), mi.InfoHash())

	// Re-encoding the decoded file must reproduce the input byte-for-byte.
	decoded, err := bencode.Decode(bytes.NewReader(b))
	require.NoError(err)
	var reencoded bytes.Buffer
	require.NoError(bencode.Marshal(&reencoded, decoded))
	require.Equal(b, reencoded.Bytes())
}

func TestParseMetaInfoMultiFile(t *testing.T) {
	require := require.New(t)

	b := marshalTorrent(t, map[string]interface{}{
		"announce": "http://tracker.example.com:6969/announce",
		"info": map[string]interface{}{
			"name":         "dir",
			"piece length": int64(16),
			"pieces":       string(make([]byte, 40)),
			"files": []interface{}{
				map[string]interface{}{
					"length": int64(24),
					"path":   []interface{}{"a", "x.bin"},
				},
				map[string]interface{}{
					"length": int64(8),
					"path":   []interface{}{"y.bin"},
				},
			},
		},
	})

	mi, err := ParseMetaInfo(b)
	require.NoError(err)
	require.Equal(int64(32), mi.Length())
	require.Equal([]FileInfo{
		{Path: "dir/a/x.bin", Length: 24, FirstPiece: 0},
		{Path: "dir/y.bin", Length: 8, FirstPiece: 1},
	}, mi.Files())
}

func TestParseMetaInfoAnnounceListPrecedence(t *testing.T) {
	require := require.New(t)

	root := map[string]interface{}{
		"announce": "http://single.example.com/announce",
		"announce-list": []interface{}{
			[]interface{}{"http://t1a.example.com/announce", "http://t1b.example.com/announce"},
			[]interface{}{"http://t2.example.com/announce"},
		},
		"info": map[string]interface{}{
			"name":         "blob.bin",
			"length":       int64(16),
			"piece length": int64(16),
			"pieces":       string(make([]byte, 20)),
		},
	}

	mi, err := ParseMetaInfo(marshalTorrent(t, root))
	require.NoError(err)
	require.Equal([][]string{
		{"http://t1a.example.com/announce", "http://t1b.example.com/announce"},
		{"http://t2.example.com/announce"},
	}, mi.AnnounceTiers())
}

func TestParseMetaInfoErrors(t *testing.T) {
	valid := func() map[string]interface{} {
		return map[string]interface{}{
			"announce": "http://tracker.example.com/announce",
			"info": map[string]interface{}{
				"name":         "blob.bin",
				"length":       int64(16),
				"piece length": int64(16),
				"pieces":       string(make([]byte, 20)),
			},
		}
	}
	tests := []struct {
		desc   string
		mutate func(root map[string]interface{})
	}{
		{"missing pieces", func(root map[string]interface{}) {
			delete(root["info"].(map[string]interface{}), "pieces")
		}},
		{"ragged pieces", func(root map[string]interface{}) {
			root["info"].(map[string]interface{})["pieces"] = string(make([]byte, 19))
		}},
		{"missing file table", func(root map[string]interface{}) {
			info := root["info"].(map[string]interface{})
			delete(info, "length")
			delete(info, "name")
		}},
		{"missing announce", func(root map[string]interface{}) {
			delete(root, "announce")
		}},
		{"piece count mismatch", func(root map[string]interface{}) {
			root["info"].(map[string]interface{})["pieces"] = string(make([]byte, 40))
		}},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			require := require.New(t)
			root := valid()
			test.mutate(root)
			_, err := ParseMetaInfo(marshalTorrent(t, root))
			require.Error(err)
			require.IsType(InvalidTorrentError{}, err)
		})
	}
}

func TestParseMetaInfoRejectsMalformedBencode(t *testing.T) {
	_, err := ParseMetaInfo([]byte("d3:fooi1e"))
	require.Error(t, err)
}

func TestBencodeDecodeForms(t *testing.T) {
	tests := []struct {
		input    string
		expected interface{}
	}{
		{"7:abcd fg", "abcd fg"},
		{"i1234e", int64(1234)},
		{"li24e4:runai72ee", []interface{}{int64(24), "runa", int64(72)}},
		{"lli1e3:runei1234ee", []interface{}{[]interface{}{int64(1), "run"}, int64(1234)}},
		{"d3:key5:value3:numi45ee", map[string]interface{}{"key": "value", "num": int64(45)}},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			require := require.New(t)
			v, err := bencode.Decode(bytes.NewReader([]byte(test.input)))
			require.NoError(err)
			require.Equal(test.expected, v)

			var buf bytes.Buffer
			require.NoError(bencode.Marshal(&buf, v))
			require.Equal(test.input, buf.String())
		})
	}
}
