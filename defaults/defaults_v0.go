package defaults

import (
	"github.com/sahib/config"
)

// DefaultsV0 is the default config validation for vmcache
var DefaultsV0 = config.DefaultMapping{
	"vm": config.DefaultMapping{
		"page_size": config.DefaultEntry{
			Default:      4096,
			NeedsRestart: true,
			Docs:         "Size of a page in bytes.",
			Validator:    PowerOfTwoValidator(512, 1<<21),
		},
		"max_stores": config.DefaultEntry{
			Default:      65536,
			NeedsRestart: true,
			Docs:         "How many backing stores may be live at the same time.",
			Validator:    config.IntRangeValidator(1, 1<<30),
		},
		"physical_pages": config.DefaultEntry{
			Default:      16384,
			NeedsRestart: true,
			Docs:         "Number of page frames the frame allocator hands out.",
			Validator:    config.IntRangeValidator(1, 1<<24),
		},
		"physical_memory": config.DefaultEntry{
			Default:      "16 MiB",
			NeedsRestart: true,
			Docs:         "Size of the physical memory range device stores may map.",
			Validator:    SizeValidator(),
		},
	},
	"cache": config.DefaultMapping{
		"block_size": config.DefaultEntry{
			Default:      512,
			NeedsRestart: true,
			Docs:         "Size of a cached disk block in bytes.",
			Validator:    PowerOfTwoValidator(512, 1<<16),
		},
		"max_blocks": config.DefaultEntry{
			Default:      4096,
			NeedsRestart: true,
			Docs:         "Upper bound of blocks kept in memory.",
			Validator:    config.IntRangeValidator(1, 1<<30),
		},
		"max_memory": config.DefaultEntry{
			Default:      "8 MiB",
			NeedsRestart: true,
			Docs:         "Upper bound of memory used for cached block data.",
			Validator:    SizeValidator(),
		},
		"writer": config.DefaultMapping{
			"enabled": config.DefaultEntry{
				Default:      true,
				NeedsRestart: true,
				Docs:         "Write back dirty blocks in the background.",
			},
			"interval": config.DefaultEntry{
				Default:      "5s",
				NeedsRestart: true,
				Docs:         "How often the background writer looks for dirty blocks.",
				Validator:    config.DurationValidator(),
			},
			"max_writes_per_second": config.DefaultEntry{
				Default:      1000,
				NeedsRestart: true,
				Docs:         "How many blocks per second the writer may write. 0 means no limit.",
				Validator:    config.IntRangeValidator(0, 1<<30),
			},
		},
	},
	"swap": config.DefaultMapping{
		"enabled": config.DefaultEntry{
			Default:      false,
			NeedsRestart: true,
			Docs:         "Keep evicted clean blocks in a second tier on disk.",
		},
		"backend": config.DefaultEntry{
			Default:      "dir",
			NeedsRestart: true,
			Docs:         "Storage of the swap tier (»dir« or »badger«).",
			Validator:    config.EnumValidator("dir", "badger"),
		},
		"path": config.DefaultEntry{
			Default:      "~/.cache/vmcache/swap",
			NeedsRestart: true,
			Docs:         "Where the swap tier keeps its data. Wiped on shutdown.",
		},
		"compression": config.DefaultEntry{
			Default:      "snappy",
			NeedsRestart: true,
			Docs:         "Compression of swapped blocks (»none«, »snappy« or »lz4«).",
			Validator:    config.EnumValidator("none", "snappy", "lz4"),
		},
	},
	"log": config.DefaultMapping{
		"level": config.DefaultEntry{
			Default:      "info",
			NeedsRestart: false,
			Docs:         "Minimum level of printed log messages.",
			Validator:    config.EnumValidator("debug", "info", "warning", "error", "fatal", "panic"),
		},
	},
}
