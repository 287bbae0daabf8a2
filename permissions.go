package uprelay

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Permission is a single named LSP-6 capability. Some restricted permissions
// have a broader "super" counterpart that subsumes them: a controller holding
// SUPER_CALL satisfies any check for CALL.
type Permission struct {
	name  string
	bit   uint64
	super uint64
}

// Name returns the capability's LSP-6 name.
func (p Permission) Name() string { return p.name }

// Bit returns the permission's bit value.
func (p Permission) Bit() uint64 { return p.bit }

// LSP-6 permission bit assignments.
var (
	PermChangeOwner        = Permission{name: "CHANGEOWNER", bit: 1 << 0}
	PermAddController      = Permission{name: "ADDCONTROLLER", bit: 1 << 1}
	PermEditPermissions    = Permission{name: "EDITPERMISSIONS", bit: 1 << 2}
	PermSuperTransferValue = Permission{name: "SUPER_TRANSFERVALUE", bit: 1 << 8}
	PermTransferValue      = Permission{name: "TRANSFERVALUE", bit: 1 << 9, super: 1 << 8}
	PermSuperCall          = Permission{name: "SUPER_CALL", bit: 1 << 10}
	PermCall               = Permission{name: "CALL", bit: 1 << 11, super: 1 << 10}
	PermSuperStaticCall    = Permission{name: "SUPER_STATICCALL", bit: 1 << 12}
	PermStaticCall         = Permission{name: "STATICCALL", bit: 1 << 13, super: 1 << 12}
	PermSuperDelegateCall  = Permission{name: "SUPER_DELEGATECALL", bit: 1 << 14}
	PermDelegateCall       = Permission{name: "DELEGATECALL", bit: 1 << 15, super: 1 << 14}
	PermDeploy             = Permission{name: "DEPLOY", bit: 1 << 16}
	PermSuperSetData       = Permission{name: "SUPER_SETDATA", bit: 1 << 17}
	PermSetData            = Permission{name: "SETDATA", bit: 1 << 18, super: 1 << 17}
	PermSign               = Permission{name: "SIGN", bit: 1 << 21}
	PermExecuteRelayCall   = Permission{name: "EXECUTE_RELAY_CALL", bit: 1 << 22}
)

// permissionsKeyPrefix is the ERC-725Y data key prefix under which a
// controller's permission mask is stored:
// AddressPermissions:Permissions:<controller>.
var permissionsKeyPrefix = common.Hex2Bytes("4b80742de2bf82acb3630000")

// PermissionsDataKey returns the ERC-725Y data key holding controller's
// permission mask on an account.
func PermissionsDataKey(controller common.Address) common.Hash {
	var key common.Hash
	copy(key[:], permissionsKeyPrefix)
	copy(key[12:], controller.Bytes())
	return key
}

// Permissions is one controller's 32-byte permission bitmask on one account.
// It is read on demand from the account's key-value store; the engine never
// mutates it.
type Permissions struct {
	mask uint256.Int
}

// PermissionsFromBytes interprets b as a big-endian bitmask. Data longer
// than 32 bytes is rejected by returning the zero mask.
func PermissionsFromBytes(b []byte) Permissions {
	var p Permissions
	if len(b) > 32 {
		return p
	}
	p.mask.SetBytes(b)
	return p
}

// PermissionsFromBits builds a mask from individual permissions, for tests
// and local policy checks.
func PermissionsFromBits(perms ...Permission) Permissions {
	var p Permissions
	for _, perm := range perms {
		p.mask.Or(&p.mask, uint256.NewInt(perm.bit))
	}
	return p
}

// Has reports whether the mask grants required, treating the broader super
// bit as satisfying the narrower requirement.
func (p Permissions) Has(required Permission) bool {
	accepted := uint256.NewInt(required.bit | required.super)
	return !new(uint256.Int).And(&p.mask, accepted).IsZero()
}

// Missing returns the subset of required permissions the mask does not
// grant, in input order.
func (p Permissions) Missing(required ...Permission) []Permission {
	var missing []Permission
	for _, perm := range required {
		if !p.Has(perm) {
			missing = append(missing, perm)
		}
	}
	return missing
}

// IsZero reports whether no permission bit is set.
func (p Permissions) IsZero() bool {
	return p.mask.IsZero()
}

// Bytes32 returns the mask in its on-chain bytes32 form.
func (p Permissions) Bytes32() [32]byte {
	return p.mask.Bytes32()
}

// Hex returns the mask as a 0x-prefixed 32-byte hex string.
func (p Permissions) Hex() string {
	b := p.mask.Bytes32()
	return common.BytesToHash(b[:]).Hex()
}
