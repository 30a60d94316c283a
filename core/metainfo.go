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
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/jackpal/bencode-go"
)

// InvalidTorrentError is returned when a metainfo file is structurally valid
// bencoding but does not describe a usable torrent.
type InvalidTorrentError struct {
	Reason string
}

func (e InvalidTorrentError) Error() string {
	return fmt.Sprintf("invalid torrent: %s", e.Reason)
}

func invalidTorrent(format string, args ...interface{}) error {
	return InvalidTorrentError{fmt.Sprintf(format, args...)}
}

// FileInfo describes one file of the torrent's file set. Files concatenate
// in order to form the piece space.
type FileInfo struct {
	// Path is the file's path relative to the download directory. For
	// multi-file torrents it is prefixed with the torrent name.
	Path string

	// Length is the file size in bytes.
	Length int64

	// FirstPiece is the index of the first piece containing this file's bytes.
	FirstPiece int
}

// MetaInfo contains torrent metadata. Immutable once created.
type MetaInfo struct {
	infoHash      InfoHash
	name          string
	pieceLength   int64
	pieceHashes   []PieceHash
	totalLength   int64
	files         []FileInfo
	announceTiers [][]string
}

// NewMetaInfo assembles a MetaInfo from raw parts, deriving the info hash
// from the canonical bencoding of the equivalent info dictionary.
func NewMetaInfo(
	name string,
	pieceLength int64,
	files []FileInfo,
	pieceHashes []PieceHash,
	announceTiers [][]string) (*MetaInfo, error) {

	if pieceLength <= 0 {
		return nil, invalidTorrent("piece length must be positive, got %d", pieceLength)
	}
	if len(files) == 0 {
		return nil, invalidTorrent("no files")
	}
	if len(announceTiers) == 0 {
		return nil, invalidTorrent("no announce urls")
	}

	var totalLength int64
	for i := range files {
		files[i].FirstPiece = int(totalLength / pieceLength)
		totalLength += files[i].Length
	}
	numPieces := int((totalLength + pieceLength - 1) / pieceLength)
	if numPieces != len(pieceHashes) {
		return nil, invalidTorrent(
			"pieces mismatch: %d hashes for %d pieces", len(pieceHashes), numPieces)
	}

	h, err := hashInfoDict(infoDict(name, pieceLength, files, pieceHashes))
	if err != nil {
		return nil, err
	}

	return &MetaInfo{
		infoHash:      h,
		name:          name,
		pieceLength:   pieceLength,
		pieceHashes:   pieceHashes,
		totalLength:   totalLength,
		files:         files,
		announceTiers: announceTiers,
	}, nil
}

// ParseMetaInfo decodes a bencoded metainfo file. The info hash is computed
// over the canonical re-encoding of the decoded info value, which reproduces
// the source bytes since bencoded dictionary keys are emitted in sorted order.
func ParseMetaInfo(b []byte) (*MetaInfo, error) {
	v, err := bencode.Decode(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("bencode: %s", err)
	}
	root, ok := v.(map[string]interface{})
	if !ok {
		return nil, invalidTorrent("root is not a dictionary")
	}
	info, ok := root["info"].(map[string]interface{})
	if !ok {
		return nil, invalidTorrent("missing info dictionary")
	}

	h, err := hashInfoDict(info)
	if err != nil {
		return nil, err
	}

	pieceLength, ok := info["piece length"].(int64)
	if !ok || pieceLength <= 0 {
		return nil, invalidTorrent("missing or non-positive piece length")
	}
	rawPieces, ok := info["pieces"].(string)
	if !ok {
		return nil, invalidTorrent("missing pieces")
	}
	pieceHashes, ok := SplitPieceHashes([]byte(rawPieces))
	if !ok {
		return nil, invalidTorrent("pieces length %d is not a multiple of 20", len(rawPieces))
	}

	name, _ := info["name"].(string)

	files, err := parseFiles(info, name)
	if err != nil {
		return nil, err
	}

	tiers, err := parseAnnounceTiers(root)
	if err != nil {
		return nil, err
	}

	mi, err := NewMetaInfo(name, pieceLength, files, pieceHashes, tiers)
	if err != nil {
		return nil, err
	}
	// The parsed hash is authoritative: it covers any extra keys the source
	// info dictionary carries.
	mi.infoHash = h
	return mi, nil
}

// LoadMetaInfo reads and parses the metainfo file at path.
func LoadMetaInfo(path string) (*MetaInfo, error) {
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metainfo: %s", err)
	}
	return ParseMetaInfo(b)
}

// InfoHash returns the torrent InfoHash.
func (mi *MetaInfo) InfoHash() InfoHash {
	return mi.infoHash
}

// Name returns the torrent name.
func (mi *MetaInfo) Name() string {
	return mi.name
}

// Length returns the total length of the torrent's file set.
func (mi *MetaInfo) Length() int64 {
	return mi.totalLength
}

// NumPieces returns the number of pieces in the torrent.
func (mi *MetaInfo) NumPieces() int {
	return len(mi.pieceHashes)
}

// PieceLength returns the nominal piece length. Note, the final piece is
// usually shorter. Use GetPieceLength for the true length of each piece.
func (mi *MetaInfo) PieceLength() int64 {
	return mi.pieceLength
}

// GetPieceLength returns the length of piece i.
func (mi *MetaInfo) GetPieceLength(i int) int64 {
	if i < 0 || i >= len(mi.pieceHashes) {
		return 0
	}
	if i == len(mi.pieceHashes)-1 {
		return mi.totalLength - mi.pieceLength*int64(i)
	}
	return mi.pieceLength
}

// GetPieceHash returns the expected hash of piece i. Does not check bounds.
func (mi *MetaInfo) GetPieceHash(i int) PieceHash {
	return mi.pieceHashes[i]
}

// Files returns the ordered file table.
func (mi *MetaInfo) Files() []FileInfo {
	return mi.files
}

// AnnounceTiers returns the announce url tiers in priority order.
func (mi *MetaInfo) AnnounceTiers() [][]string {
	return mi.announceTiers
}

func (mi *MetaInfo) String() string {
	return fmt.Sprintf("metainfo(name=%s, hash=%s)", mi.name, mi.infoHash.Hex())
}

func parseFiles(info map[string]interface{}, name string) ([]FileInfo, error) {
	rawFiles, multi := info["files"].([]interface{})
	if !multi {
		length, ok := info["length"].(int64)
		if !ok || name == "" {
			return nil, invalidTorrent("missing files and name/length")
		}
		return []FileInfo{{Path: name, Length: length}}, nil
	}
	var files []FileInfo
	for _, rf := range rawFiles {
		fd, ok := rf.(map[string]interface{})
		if !ok {
			return nil, invalidTorrent("file entry is not a dictionary")
		}
		length, ok := fd["length"].(int64)
		if !ok {
			return nil, invalidTorrent("file entry missing length")
		}
		rawPath, ok := fd["path"].([]interface{})
		if !ok || len(rawPath) == 0 {
			return nil, invalidTorrent("file entry missing path")
		}
		parts := []string{name}
		for _, rp := range rawPath {
			part, ok := rp.(string)
			if !ok {
				return nil, invalidTorrent("file path part is not a string")
			}
			parts = append(parts, part)
		}
		files = append(files, FileInfo{Path: filepath.Join(parts...), Length: length})
	}
	if len(files) == 0 {
		return nil, invalidTorrent("empty files list")
	}
	return files, nil
}

func parseAnnounceTiers(root map[string]interface{}) ([][]string, error) {
	if rawTiers, ok := root["announce-list"].([]interface{}); ok {
		var tiers [][]string
		for _, rt := range rawTiers {
			rawTier, ok := rt.([]interface{})
			if !ok {
				return nil, invalidTorrent("announce-list tier is not a list")
			}
			var tier []string
			for _, ru := range rawTier {
				u, ok := ru.(string)
				if !ok {
					return nil, invalidTorrent("announce url is not a string")
				}
				tier = append(tier, u)
			}
			if len(tier) > 0 {
				tiers = append(tiers, tier)
			}
		}
		if len(tiers) > 0 {
			return tiers, nil
		}
	}
	if announce, ok := root["announce"].(string); ok && announce != "" {
		return [][]string{{announce}}, nil
	}
	return nil, invalidTorrent("no announce urls")
}

// infoDict builds the canonical info dictionary for raw metainfo parts.
func infoDict(
	name string,
	pieceLength int64,
	files []FileInfo,
	pieceHashes []PieceHash) map[string]interface{} {

	var pieces bytes.Buffer
	for _, h := range pieceHashes {
		pieces.Write(h[:])
	}
	d := map[string]interface{}{
		"name":         name,
		"piece length": pieceLength,
		"pieces":       pieces.String(),
	}
	if len(files) == 1 && files[0].Path == name {
		d["length"] = files[0].Length
	} else {
		var fl []interface{}
		for _, f := range files {
			var path []interface{}
			for _, part := range splitPath(f.Path, name) {
				path = append(path, part)
			}
			fl = append(fl, map[string]interface{}{
				"length": f.Length,
				"path":   path,
			})
		}
		d["files"] = fl
	}
	return d
}

func splitPath(p, name string) []string {
	parts := strings.Split(p, string(filepath.Separator))
	if len(parts) > 0 && parts[0] == name {
		parts = parts[1:]
	}
	return parts
}

func hashInfoDict(info map[string]interface{}) (InfoHash, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return InfoHash{}, fmt.Errorf("bencode info: %s", err)
	}
	return NewInfoHashFromBytes(buf.Bytes()), nil
}
