// Package pathtracer is an offline GPU path tracer.
//
// # Overview
//
// A Session renders one triangle scene into a floating-point RGB image:
//
//	dev, err := pathtracer.OpenDevice("vulkan")
//	if err != nil {
//	    return err
//	}
//	defer dev.Close()
//
//	s, err := pathtracer.NewSession(dev, pathtracer.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	scene, err := pathtracer.LoadScene("cornell")
//	if err != nil {
//	    return err
//	}
//	img, err := s.Render(ctx, scene, nil)
//	if err != nil {
//	    return err
//	}
//	return img.WriteFile("out.hdr")
//
// # Pipeline
//
// Render uploads the scene geometry through staging buffers, builds one
// bottom-level acceleration structure per scene object and a top-level
// structure over the instances, binds the image, structure, vertex and
// index buffers to the kernel and runs BatchCount serialized compute passes.
// Every pass adds one batch of samples per pixel to a running average kept
// in the image buffer. A readback barrier after the last pass makes the
// image visible to the host.
//
// # Coordinate System
//
// The image is row-major from the top-left pixel, three float32 values per
// pixel. The scene uses a right-handed world with +Y up; the default camera
// sits on +Z looking towards the origin.
package pathtracer

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
