// Copyright 2024 The xivm Authors. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package xibc

// Token is a 32-bit (tag | 1-based index) reference into one of a
// module's metadata tables. An index of 0 means "absent".
type Token uint32

// tagBits is the width of the tag field; the remaining 26 bits hold the
// 1-based row index.
const (
	tagBits   = 6
	tagShift  = 32 - tagBits
	indexMask = 1<<tagShift - 1
)

// Tag identifies which metadata table a Token indexes.
type Tag uint8

// The twelve token tag categories, one per addressable metadata table.
const (
	TagMod Tag = iota
	TagModRef
	TagTypeDef
	TagTypeRef
	TagTypeSpec
	TagField
	TagMethodDef
	TagMemberRef
	TagParam
	TagImplMap
	TagStandAloneSig
	TagUserString
)

var tagNames = [...]string{
	TagMod:           "Mod",
	TagModRef:        "ModRef",
	TagTypeDef:       "TypeDef",
	TagTypeRef:       "TypeRef",
	TagTypeSpec:      "TypeSpec",
	TagField:         "Field",
	TagMethodDef:     "MethodDef",
	TagMemberRef:     "MemberRef",
	TagParam:         "Param",
	TagImplMap:       "ImplMap",
	TagStandAloneSig: "StandAloneSig",
	TagUserString:    "UserString",
}

// String renders the tag's table name.
func (t Tag) String() string {
	if int(t) < len(tagNames) && tagNames[t] != "" {
		return tagNames[t]
	}
	return "Tag(?)"
}

// MakeToken builds a Token from a tag and a 1-based row index. Passing
// index 0 builds the "absent" token for that tag.
func MakeToken(tag Tag, index uint32) Token {
	return Token(uint32(tag)<<tagShift | (index & indexMask))
}

// Tag returns the token's table tag.
func (t Token) Tag() Tag { return Tag(uint32(t) >> tagShift) }

// Index returns the token's 1-based row index, or 0 if absent.
func (t Token) Index() uint32 { return uint32(t) & indexMask }

// IsNil reports whether the token's index is 0 ("absent").
func (t Token) IsNil() bool { return t.Index() == 0 }

// String renders the token as "Tag[index]".
func (t Token) String() string {
	if t.IsNil() {
		return t.Tag().String() + "[nil]"
	}
	return t.Tag().String() + "[" + itoa(t.Index()) + "]"
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
