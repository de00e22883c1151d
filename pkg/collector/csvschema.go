package collector

import (
	"github.com/dfirkit/gograb/pkg/finder"
	"github.com/dfirkit/gograb/pkg/schema"
)

// evidenceSchema is the sample table profile: one row per matched name
// and attribute, off-limits samples included.
func evidenceSchema() *schema.Schema {
	return schema.MustNew(
		schema.Column{Name: "ComputerName", Type: schema.UTF8},
		schema.Column{Name: "VolumeID", Type: schema.UInt64},
		schema.Column{Name: "ParentFRN", Type: schema.UInt64},
		schema.Column{Name: "FRN", Type: schema.UInt64},
		schema.Column{Name: "FullName", Type: schema.UTF8},
		schema.Column{Name: "SampleName", Type: schema.UTF8},
		schema.Column{Name: "SizeInBytes", Type: schema.UInt64},
		schema.Column{Name: "MD5", Type: schema.BinaryVar},
		schema.Column{Name: "SHA1", Type: schema.BinaryVar},
		schema.Column{Name: "FindMatch", Type: schema.UTF8},
		schema.Column{Name: "ContentType", Type: schema.Enum, Labels: contentKindLabels},
		schema.Column{Name: "SampleCollectionDate", Type: schema.Timestamp},
		schema.Column{Name: "CreationDate", Type: schema.Timestamp},
		schema.Column{Name: "LastModificationDate", Type: schema.Timestamp},
		schema.Column{Name: "LastAccessDate", Type: schema.Timestamp},
		schema.Column{Name: "LastAttrChangeDate", Type: schema.Timestamp},
		schema.Column{Name: "FileNameCreationDate", Type: schema.Timestamp},
		schema.Column{Name: "FileNameLastModificationDate", Type: schema.Timestamp},
		schema.Column{Name: "FileNameLastAccessDate", Type: schema.Timestamp},
		schema.Column{Name: "FileNameLastAttrModificationDate", Type: schema.Timestamp},
		schema.Column{Name: "AttrType", Type: schema.Enum, Labels: finder.AttributeTypeLabels},
		schema.Column{Name: "AttrName", Type: schema.UTF8},
		schema.Column{Name: "AttrID", Type: schema.UInt32},
		schema.Column{Name: "SnapshotID", Type: schema.GUID},
		schema.Column{Name: "SHA256", Type: schema.BinaryVar},
		schema.Column{Name: "SSDeep", Type: schema.UTF8},
		schema.Column{Name: "TLSH", Type: schema.UTF8},
		schema.Column{Name: "YaraRules", Type: schema.UTF8},
		schema.Column{Name: "RecordInUse", Type: schema.Bool},
	)
}

// contentKindLabels renders the ContentType enum column.
var contentKindLabels = map[uint64]string{
	1: "data",
	2: "strings",
	3: "raw",
}
