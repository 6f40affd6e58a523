package ports

import "wrts/internal/core/domain"

// FragmentWriter emits CMAF for one track: an initialization segment and
// one fragment per sample.
type FragmentWriter interface {
	Init(cp *domain.ProtectionEntry) ([]byte, error)
	Write(sample *domain.Sample, cp *domain.ProtectionEntry) []byte
}

// FragmentWriterFactory validates a track and builds its writer.
type FragmentWriterFactory func(track *domain.Track) (FragmentWriter, error)
