// Package provenance seals accepted responses into tamper-evident records.
//
// A record carries a SHA-256 hash over the response text and its generation
// lineage (model, prompt version, context chunk ids) plus a Merkle root over
// its outputs. The root is anchored in an external append-only ledger so a
// record can later be checked against both its own contents and the ledger.
package provenance

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sort"

	"github.com/datamind/control-plane/pkg/models"
)

// ErrEmptyTree is returned when a Merkle tree is requested over no outputs.
var ErrEmptyTree = errors.New("provenance: merkle tree needs at least one output")

// MetadataOf returns the lineage of a response with chunk ids sorted.
func MetadataOf(resp *models.LLMResponse) models.GenerationMetadata {
	return models.GenerationMetadata{
		Model:         resp.Model,
		PromptVersion: resp.PromptVersion,
		ChunkIDs:      models.ChunkIDs(resp.UsedChunks),
	}
}

// HashOutput builds an unanchored record for one response. The record's
// Merkle tree has a single leaf, so its root equals the response hash.
func HashOutput(resp *models.LLMResponse, meta models.GenerationMetadata) models.ProvenanceRecord {
	meta.ChunkIDs = sortedCopy(meta.ChunkIDs)
	sum := leafHash(encode(resp.Text, meta))
	h := hex.EncodeToString(sum)
	return models.ProvenanceRecord{
		ResponseText: resp.Text,
		ResponseHash: h,
		Metadata:     meta,
		Leaves:       []string{h},
		MerkleRoot:   h,
	}
}

// BuildMerkleTree hashes every output into a leaf and folds the leaves
// pairwise, in list order, into a root. An odd node at any level is paired
// with itself. The root is hex encoded.
func BuildMerkleTree(outputs []string) (string, error) {
	if len(outputs) == 0 {
		return "", ErrEmptyTree
	}
	leaves := make([][]byte, len(outputs))
	for i, o := range outputs {
		leaves[i] = leafHash([]byte(o))
	}
	return hex.EncodeToString(merkleRoot(leaves)), nil
}

// rootFromHex folds hex leaf hashes into a hex root.
func rootFromHex(leaves []string) (string, error) {
	if len(leaves) == 0 {
		return "", ErrEmptyTree
	}
	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		b, err := hex.DecodeString(l)
		if err != nil {
			return "", err
		}
		level[i] = b
	}
	return hex.EncodeToString(merkleRoot(level)), nil
}

func merkleRoot(level [][]byte) []byte {
	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			h := sha256.New()
			h.Write(left)
			h.Write(right)
			next = append(next, h.Sum(nil))
		}
		level = next
	}
	return level[0]
}

func leafHash(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// encode is the canonical byte form of a response: every field is written as
// an 8-byte big-endian length followed by its bytes, so no two distinct
// inputs share an encoding.
func encode(text string, meta models.GenerationMetadata) []byte {
	var buf []byte
	put := func(s string) {
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(s)))
		buf = append(buf, s...)
	}
	put(text)
	put(meta.Model)
	put(meta.PromptVersion)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(meta.ChunkIDs)))
	for _, id := range meta.ChunkIDs {
		put(id)
	}
	return buf
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
