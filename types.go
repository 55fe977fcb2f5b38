package pathtracer

import (
	"github.com/gogpu/gpucontext"

	"github.com/gogpu/pathtracer/internal/accel"
	"github.com/gogpu/pathtracer/internal/dispatch"
	"github.com/gogpu/pathtracer/internal/gpu"
	"github.com/gogpu/pathtracer/internal/kernel"
	"github.com/gogpu/pathtracer/internal/scene"
)

// Device is an opened compute device.
type Device = gpu.Device

// Scene is indexed triangle geometry split into objects.
type Scene = scene.Store

// Instance places one scene object in the world.
type Instance = accel.Instance

// DispatchStats reports the timing of the compute passes.
type DispatchStats = dispatch.Stats

// MemoryStats reports device memory use.
type MemoryStats = gpu.MemoryStats

// Errors reported by sessions. Errors from deeper layers are wrapped and can
// be matched with errors.Is.
var (
	ErrInvalidBatchCount = dispatch.ErrInvalidBatchCount
	ErrInvalidDimensions = dispatch.ErrInvalidDimensions
	ErrMissingCapability = gpu.ErrMissingCapability
	ErrKernelLoadFailed  = kernel.ErrKernelLoadFailed
	ErrInvalidScene      = scene.ErrInvalidScene
	ErrUnknownScene      = scene.ErrUnknownScene
)

// Device and transfer errors.
var (
	ErrOutOfDeviceMemory           = gpu.ErrOutOfDeviceMemory
	ErrUnsupportedUsageCombination = gpu.ErrUnsupportedUsageCombination
	ErrTransferFailed              = gpu.ErrTransferFailed
	ErrNotHostVisible              = gpu.ErrNotHostVisible
	ErrSubmissionFailed            = gpu.ErrSubmissionFailed
	ErrDeviceLost                  = gpu.ErrDeviceLost
)

// Acceleration structure errors, reported by Render for bad geometry or
// instances.
var (
	ErrInvalidGeometryInput     = accel.ErrInvalidGeometryInput
	ErrEmptyInstanceSet         = accel.ErrEmptyInstanceSet
	ErrInvalidInstanceReference = accel.ErrInvalidInstanceReference
	ErrInvalidInstance          = accel.ErrInvalidInstance
	ErrMixedGeometry            = accel.ErrMixedGeometry
)

// OpenDevice opens the first suitable adapter of the named backend
// ("vulkan" or "noop").
func OpenDevice(backend string) (*Device, error) {
	b, err := gpu.ParseBackend(backend)
	if err != nil {
		return nil, err
	}
	return gpu.OpenDevice(b)
}

// DeviceFromProvider borrows the device of a host application. Closing the
// returned Device leaves the provider's device alive.
func DeviceFromProvider(provider gpucontext.DeviceProvider) (*Device, error) {
	return gpu.DeviceFromProvider(provider)
}

// LoadScene returns a built-in scene ("cornell", "triangle") or loads an
// OBJ file.
func LoadScene(name string) (*Scene, error) {
	return scene.Load(name)
}

// SceneNames returns the built-in scene names.
func SceneNames() []string { return scene.Names() }

// NewInstance returns an identity-transformed, fully visible instance of
// the given scene object.
func NewInstance(object int) Instance { return accel.NewInstance(object) }
