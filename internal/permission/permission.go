// Package permission decodes the 64-bit effective-permission masks the list
// service attaches to lists and items into named capabilities.
package permission

import (
	"fmt"
	"strconv"
	"strings"
)

type Capability string

const (
	ViewListItems          Capability = "ViewListItems"
	AddListItems           Capability = "AddListItems"
	EditListItems          Capability = "EditListItems"
	DeleteListItems        Capability = "DeleteListItems"
	ApproveItems           Capability = "ApproveItems"
	OpenItems              Capability = "OpenItems"
	ViewVersions           Capability = "ViewVersions"
	DeleteVersions         Capability = "DeleteVersions"
	CancelCheckout         Capability = "CancelCheckout"
	PersonalViews          Capability = "PersonalViews"
	ManageLists            Capability = "ManageLists"
	ViewFormPages          Capability = "ViewFormPages"
	Open                   Capability = "Open"
	ViewPages              Capability = "ViewPages"
	AddAndCustomizePages   Capability = "AddAndCustomizePages"
	ApplyThemeAndBorder    Capability = "ApplyThemeAndBorder"
	ApplyStyleSheets       Capability = "ApplyStyleSheets"
	ViewUsageData          Capability = "ViewUsageData"
	CreateSSCSite          Capability = "CreateSSCSite"
	ManageSubwebs          Capability = "ManageSubwebs"
	CreateGroups           Capability = "CreateGroups"
	ManagePermissions      Capability = "ManagePermissions"
	BrowseDirectories      Capability = "BrowseDirectories"
	BrowseUserInfo         Capability = "BrowseUserInfo"
	AddDelPrivateWebParts  Capability = "AddDelPrivateWebParts"
	UpdatePersonalWebParts Capability = "UpdatePersonalWebParts"
	ManageWeb              Capability = "ManageWeb"
	UseClientIntegration   Capability = "UseClientIntegration"
	UseRemoteAPIs          Capability = "UseRemoteAPIs"
	ManageAlerts           Capability = "ManageAlerts"
	CreateAlerts           Capability = "CreateAlerts"
	EditMyUserInfo         Capability = "EditMyUserInfo"
	EnumeratePermissions   Capability = "EnumeratePermissions"

	FullControl Capability = "FullControl"
)

// FullMask is the value the service reports for full control: every one of
// the low 63 bits set.
const FullMask uint64 = 0x7FFFFFFFFFFFFFFF

type Entry struct {
	Bit  uint
	Name Capability
}

// Table lists every named capability with the bit it occupies in a mask.
var Table = []Entry{
	{0, ViewListItems},
	{1, AddListItems},
	{2, EditListItems},
	{3, DeleteListItems},
	{4, ApproveItems},
	{5, OpenItems},
	{6, ViewVersions},
	{7, DeleteVersions},
	{8, CancelCheckout},
	{9, PersonalViews},
	{11, ManageLists},
	{12, ViewFormPages},
	{16, Open},
	{17, ViewPages},
	{18, AddAndCustomizePages},
	{19, ApplyThemeAndBorder},
	{20, ApplyStyleSheets},
	{21, ViewUsageData},
	{22, CreateSSCSite},
	{23, ManageSubwebs},
	{24, CreateGroups},
	{25, ManagePermissions},
	{26, BrowseDirectories},
	{27, BrowseUserInfo},
	{28, AddDelPrivateWebParts},
	{29, UpdatePersonalWebParts},
	{30, ManageWeb},
	{36, UseClientIntegration},
	{37, UseRemoteAPIs},
	{38, ManageAlerts},
	{39, CreateAlerts},
	{40, EditMyUserInfo},
	{62, EnumeratePermissions},
}

// Set maps every capability in Table, plus FullControl, to whether it is granted.
type Set map[Capability]bool

func (s Set) Allows(name Capability) bool {
	return s[name]
}

// Granted lists the granted capabilities in table order.
func (s Set) Granted() []Capability {
	out := make([]Capability, 0, len(Table))
	for _, entry := range Table {
		if s[entry.Name] {
			out = append(out, entry.Name)
		}
	}
	return out
}

func denyAll() Set {
	set := make(Set, len(Table)+1)
	for _, entry := range Table {
		set[entry.Name] = false
	}
	set[FullControl] = false
	return set
}

// Decode turns mask into a capability set. A mask carrying FullMask grants
// everything regardless of the other bits; bits outside Table are ignored.
func Decode(mask uint64) Set {
	set := denyAll()
	if mask&FullMask == FullMask {
		for name := range set {
			set[name] = true
		}
		return set
	}
	for _, entry := range Table {
		set[entry.Name] = (mask>>entry.Bit)&1 == 1
	}
	return set
}

// Resolve decodes the item mask when present, falls back to the list mask,
// and denies everything when neither is known.
func Resolve(item, list *uint64) Set {
	switch {
	case item != nil:
		return Decode(*item)
	case list != nil:
		return Decode(*list)
	default:
		return denyAll()
	}
}

// ParseMask accepts the hex ("0x7FFFFFFFFFFFFFFF") and decimal forms masks
// arrive in on the wire.
func ParseMask(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty permission mask")
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "0x") {
		return strconv.ParseUint(lower[2:], 16, 64)
	}
	return strconv.ParseUint(raw, 10, 64)
}

func FormatMask(mask uint64) string {
	return fmt.Sprintf("0x%016X", mask)
}
