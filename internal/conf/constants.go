package conf

// MagicFood - Magic string at the very start of a database file, zero padded to MagicFoodLength
const MagicFood = "TDB file\n"

// MagicFoodLength - Length of the magic string area in the file header
const MagicFoodLength uint64 = 64

// Version - Format version written in the header, also used to detect the file byte order
const Version uint64 = 0x26011967 + 7

// UsedMagic - Magic tag in the top 16 bits of every used record header
const UsedMagic uint64 = 0x1999

// FreeMagic - Magic in a free record header, the low 6 bits carry the zone bits. It is the complement of
// UsedMagic shifted left by 6, truncated to 64 bits.
const FreeMagic uint64 = 0xfffffffffff99980

// CoalescingMagic - Magic marking a free record that is being merged with its neighbours
const CoalescingMagic uint64 = 0xBAD1DEA2FEED << 6

// HashMagic - Value hashed at creation time and stored as hash test in the header
const HashMagic uint64 = 0xA1ABE11A01092008

// RecoveryMagic - Magic marking a valid recovery log
const RecoveryMagic uint64 = 0xf53bc0e7

// RecoveryInvalidMagic - Magic of a recovery log that must not be replayed
const RecoveryInvalidMagic uint64 = 0

// OpenLock - Lock offset serializing database open
const OpenLock uint64 = 0

// TransactionLock - Lock offset held by the one transaction allowed per file
const TransactionLock uint64 = 1

// ExpansionLock - Lock offset serializing file growth
const ExpansionLock uint64 = 2

// HashLockStart - First lock offset of the hash lock range
const HashLockStart uint64 = 3

// HashLockRangeBits - Number of bits of the hash mapped onto the hash lock range
const HashLockRangeBits = 30

// HashLockRange - Size of the hash lock range
const HashLockRange uint64 = 1 << HashLockRangeBits

// FreeLockStart - First lock offset of the free bucket locks, the bucket file offset is added
const FreeLockStart uint64 = HashLockStart + HashLockRange

// TopLevelHashBits - Number of hash bits consumed by the top level hash table
const TopLevelHashBits = 10

// SubLevelHashBits - Number of hash bits consumed by each sub hash table
const SubLevelHashBits = 6

// HashGroupBits - Number of hash bits selecting a bucket within a group
const HashGroupBits = 3

// GroupSize - Number of slots in a hash group
const GroupSize = 1 << HashGroupBits

// MaxLevels - Maximum number of hash table levels, the top level included
const MaxLevels = 64 / SubLevelHashBits

// InitialZoneBits - Size in bits of the first zone of a new file
const InitialZoneBits = 16

// MaxZoneBits - Largest zone that will ever be created
const MaxZoneBits = 48

// ComfortFactorBits - Buckets go up to zone size shifted down by this many bits
const ComfortFactorBits = 5

// OffUpperSteal - Number of upper offset bits used for hash data in a slot
const OffUpperSteal = 8

// OffUpperStealExtra - Number of extra hash bits stored in a slot
const OffUpperStealExtra = 7

// OffHashTruncatedBit - Slot bit flagging a pointer to a sub hash table
const OffHashTruncatedBit = 56

// OffHashExtraBit - Lowest slot bit of the extra hash bits
const OffHashExtraBit = 57

// OffHashGroupMask - Slot bits holding the home bucket
const OffHashGroupMask uint64 = GroupSize - 1

// OffMask - Slot bits holding the record offset
const OffMask uint64 = ((1 << (64 - OffUpperSteal)) - 1) &^ OffHashGroupMask

// UsedHeaderLength - Length of a used record header
const UsedHeaderLength uint64 = 16

// FreeHeaderLength - Length of a free record header
const FreeHeaderLength uint64 = 32

// MinDataLength - Smallest data area of any record, a free record header must fit
const MinDataLength = FreeHeaderLength - UsedHeaderLength

// RecordAlignment - All record lengths are a multiple of this
const RecordAlignment uint64 = 8

// HashBitsInRecord - Number of low hash bits stored in a used record header
const HashBitsInRecord = 5

// VersionOffset - Header offset to the format version - 8 bytes
const VersionOffset uint64 = 64

// HashTestOffset - Header offset to the hash of HashMagic - 8 bytes
const HashTestOffset uint64 = 72

// HashSeedOffset - Header offset to the hash seed - 8 bytes
const HashSeedOffset uint64 = 80

// RecoveryOffset - Header offset to the offset of the recovery record (first reserved word) - 8 bytes
const RecoveryOffset uint64 = 88

// ReservedWords - Number of reserved words in the header
const ReservedWords = 28

// HashTableOffset - Header offset to the top level hash table - 8 bytes per slot
const HashTableOffset uint64 = RecoveryOffset + ReservedWords*8

// HeaderLength - Length of the file header, the first zone starts here
const HeaderLength uint64 = HashTableOffset + (1<<TopLevelHashBits)*8

// SubHashTableLength - Length of the slot area of a sub hash table record
const SubHashTableLength uint64 = (1 << SubLevelHashBits) * 8

// TransactionBlockSize - Size of the blocks buffered by a transaction
const TransactionBlockSize uint64 = 4096

// RecoveryHeaderLength - Length of the recovery log header (magic, length, eof, checksum)
const RecoveryHeaderLength uint64 = 32

// RecoverySkip - Bytes at the start of the recovery record data area that are left untouched by the log
const RecoverySkip uint64 = FreeHeaderLength - UsedHeaderLength
