package apic

import (
	"axon/kernel/acpi"
	"axon/kernel/cpu"
	"axon/kernel/irq"
)

// New selects and constructs the interrupt driver variant the running CPU
// supports: x2APIC when CPUID advertises it, otherwise the legacy xAPIC
// MMIO driver (§4.5). The returned driver has not yet had Init called.
func New(platform *acpi.Platform) irq.Driver {
	if cpu.HasX2APIC() {
		return &X2APICDriver{platform: platform}
	}
	return &XAPICDriver{platform: platform}
}
