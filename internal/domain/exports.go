package domain

import (
	interfaces "olmkit/internal/domain/interfaces"
	types "olmkit/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	X25519Public            = types.X25519Public
	X25519Private           = types.X25519Private
	Ed25519Public           = types.Ed25519Public
	Ed25519Private          = types.Ed25519Private
	Identity                = types.Identity
	IdentityKeys            = types.IdentityKeys
	OneTimeKey              = types.OneTimeKey
	PrivateCrossSigningKeys = types.PrivateCrossSigningKeys
	Account                 = types.Account
	Signatures              = types.Signatures
	DeviceKeys              = types.DeviceKeys
	UnsignedDeviceInfo      = types.UnsignedDeviceInfo
	Device                  = types.Device
	DeviceRef               = types.DeviceRef
	LocalTrust              = types.LocalTrust
	TrustLevel              = types.TrustLevel
	TrustChange             = types.TrustChange
	VerifiedKey             = types.VerifiedKey
	CrossSigningKey         = types.CrossSigningKey
	CrossSigningUsage       = types.CrossSigningUsage
	UserIdentity            = types.UserIdentity
	RatchetHeader           = types.RatchetHeader
	RatchetState            = types.RatchetState
	Session                 = types.Session
	SessionRole             = types.SessionRole
	PreKeyInfo              = types.PreKeyInfo
	ReceivedIndex           = types.ReceivedIndex
	RatchetData             = types.RatchetData
	MegolmRatchet           = types.MegolmRatchet
	GroupEncryptionSettings = types.GroupEncryptionSettings
	ShareInfo               = types.ShareInfo
	ShareState              = types.ShareState
	OutboundGroupSession    = types.OutboundGroupSession
	InboundGroupSession     = types.InboundGroupSession
	ExportedRoomKey         = types.ExportedRoomKey
	SenderClaimedKeys       = types.SenderClaimedKeys
	KeyRequest              = types.KeyRequest
	KeyRequestState         = types.KeyRequestState
	RequestedKeyInfo        = types.RequestedKeyInfo
	ToDeviceEvent           = types.ToDeviceEvent
	ToDeviceRequest         = types.ToDeviceRequest
	OlmMessageType          = types.OlmMessageType
	OlmCiphertext           = types.OlmCiphertext
	OlmEncryptedContent     = types.OlmEncryptedContent
	OlmPayload              = types.OlmPayload
	DecryptedToDevice       = types.DecryptedToDevice
	MegolmEncryptedContent  = types.MegolmEncryptedContent
	MegolmPayload           = types.MegolmPayload
	RoomEvent               = types.RoomEvent
	DecryptedRoomEvent      = types.DecryptedRoomEvent
	RoomKeyContent          = types.RoomKeyContent
	ForwardedRoomKeyContent = types.ForwardedRoomKeyContent
	RoomKeyRequestContent   = types.RoomKeyRequestContent
	FlowState               = types.FlowState
	VerificationMethod      = types.VerificationMethod
	SASType                 = types.SASType
	CancelCode              = types.CancelCode
	SignedKey               = types.SignedKey
	KeysUpload              = types.KeysUpload
	KeysUploadResponse      = types.KeysUploadResponse
	KeyBundle               = types.KeyBundle
	KeysQueryResponse       = types.KeysQueryResponse
	CrossSigningUpload      = types.CrossSigningUpload
	SignatureUpload         = types.SignatureUpload
	Changes                 = types.Changes
	SyncChanges             = types.SyncChanges
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	AccountStore       = interfaces.AccountStore
	SessionStore       = interfaces.SessionStore
	GroupSessionStore  = interfaces.GroupSessionStore
	DeviceStore        = interfaces.DeviceStore
	KeyRequestStore    = interfaces.KeyRequestStore
	ChangeCommitter    = interfaces.ChangeCommitter
	CryptoStore        = interfaces.CryptoStore
	KeyServer          = interfaces.KeyServer
	Rooms              = interfaces.Rooms
	AccountService     = interfaces.AccountService
	DeviceDirectory    = interfaces.DeviceDirectory
	TrustCommitter     = interfaces.TrustCommitter
	SessionEstablisher = interfaces.SessionEstablisher
	ToDeviceEncryptor  = interfaces.ToDeviceEncryptor
	RoomKeyImporter    = interfaces.RoomKeyImporter
)
