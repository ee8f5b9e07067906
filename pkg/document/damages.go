package document

import (
	"sort"

	"github.com/adfharrison1/collwrite/pkg/domain"
	"github.com/adfharrison1/collwrite/pkg/status"
	"go.mongodb.org/mongo-driver/bson"
)

// ApplyDamages returns a new buffer made of old with each damage applied.
// Damages may not overlap in the target.
func ApplyDamages(old, source []byte, damages []domain.Damage) ([]byte, error) {
	sorted := make([]domain.Damage, len(damages))
	copy(sorted, damages)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TargetOffset < sorted[j].TargetOffset })

	out := make([]byte, 0, len(old))
	pos := 0
	for _, d := range sorted {
		if d.SourceSize < 0 || d.TargetSize < 0 {
			return nil, status.New(status.BadValue, "damage sizes must not be negative: source %d, target %d", d.SourceSize, d.TargetSize)
		}
		if d.TargetOffset < pos || d.TargetOffset+d.TargetSize > len(old) {
			return nil, status.New(status.BadValue, "damage target [%d, %d) out of range", d.TargetOffset, d.TargetOffset+d.TargetSize)
		}
		if d.SourceOffset < 0 || d.SourceOffset+d.SourceSize > len(source) {
			return nil, status.New(status.BadValue, "damage source [%d, %d) out of range", d.SourceOffset, d.SourceOffset+d.SourceSize)
		}
		out = append(out, old[pos:d.TargetOffset]...)
		out = append(out, source[d.SourceOffset:d.SourceOffset+d.SourceSize]...)
		pos = d.TargetOffset + d.TargetSize
	}
	out = append(out, old[pos:]...)
	if err := bson.Raw(out).Validate(); err != nil {
		return nil, status.Wrap(status.BadValue, err, "damaged document is not valid BSON")
	}
	return out, nil
}

// ComputeDamages describes how to turn old into new. Documents of equal
// length get one damage per run of changed bytes; otherwise a single damage
// replaces the whole document.
func ComputeDamages(old, new bson.Raw) ([]byte, []domain.Damage) {
	if len(old) != len(new) {
		return append([]byte(nil), new...), []domain.Damage{{
			SourceOffset: 0, SourceSize: len(new),
			TargetOffset: 0, TargetSize: len(old),
		}}
	}
	var source []byte
	var damages []domain.Damage
	for i := 0; i < len(old); {
		if old[i] == new[i] {
			i++
			continue
		}
		start := i
		for i < len(old) && old[i] != new[i] {
			i++
		}
		damages = append(damages, domain.Damage{
			SourceOffset: len(source), SourceSize: i - start,
			TargetOffset: start, TargetSize: i - start,
		})
		source = append(source, new[start:i]...)
	}
	return source, damages
}
