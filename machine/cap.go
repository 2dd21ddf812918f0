package machine

import (
	"fmt"
	"os"
	"sort"
)

type Cap uint8

// The subset of KVM capabilities this monitor cares about. Startup
// refuses to run without the first four.
const (
	CapIRQChip         Cap = 0
	CapHLT             Cap = 1
	CapUserMemory      Cap = 3
	CapSetTSSAddr      Cap = 4
	CapEXTCPUID        Cap = 7
	CapNRVCPUS         Cap = 9
	CapPIT             Cap = 11
	CapMPState         Cap = 14
	CapSyncMMU         Cap = 16
	CapUserNMI         Cap = 22
	CapSetGuestDebug   Cap = 23
	CapReinjectControl Cap = 24
	CapIRQRouting      Cap = 25
	CapIRQFD           Cap = 32
	CapPIT2            Cap = 33
	CapSetBootCPUID    Cap = 34
	CapPITState2       Cap = 35
	CapIOEventFD       Cap = 36
	CapAdjustClock     Cap = 39
	CapVCPUEvents      Cap = 41
	CapDebugRegs       Cap = 50
	CapXSave           Cap = 55
	CapXCRS            Cap = 56
	CapTSCControl      Cap = 60
	CapMAXVCPUS        Cap = 66
	CapReadOnlyMEM     Cap = 81
)

var capNames = map[Cap]string{
	CapIRQChip:         "KVM_CAP_IRQCHIP",
	CapHLT:             "KVM_CAP_HLT",
	CapUserMemory:      "KVM_CAP_USER_MEMORY",
	CapSetTSSAddr:      "KVM_CAP_SET_TSS_ADDR",
	CapEXTCPUID:        "KVM_CAP_EXT_CPUID",
	CapNRVCPUS:         "KVM_CAP_NR_VCPUS",
	CapPIT:             "KVM_CAP_PIT",
	CapMPState:         "KVM_CAP_MP_STATE",
	CapSyncMMU:         "KVM_CAP_SYNC_MMU",
	CapUserNMI:         "KVM_CAP_USER_NMI",
	CapSetGuestDebug:   "KVM_CAP_SET_GUEST_DEBUG",
	CapReinjectControl: "KVM_CAP_REINJECT_CONTROL",
	CapIRQRouting:      "KVM_CAP_IRQ_ROUTING",
	CapIRQFD:           "KVM_CAP_IRQFD",
	CapPIT2:            "KVM_CAP_PIT2",
	CapSetBootCPUID:    "KVM_CAP_SET_BOOT_CPU_ID",
	CapPITState2:       "KVM_CAP_PIT_STATE2",
	CapIOEventFD:       "KVM_CAP_IOEVENTFD",
	CapAdjustClock:     "KVM_CAP_ADJUST_CLOCK",
	CapVCPUEvents:      "KVM_CAP_VCPU_EVENTS",
	CapDebugRegs:       "KVM_CAP_DEBUGREGS",
	CapXSave:           "KVM_CAP_XSAVE",
	CapXCRS:            "KVM_CAP_XCRS",
	CapTSCControl:      "KVM_CAP_TSC_CONTROL",
	CapMAXVCPUS:        "KVM_CAP_MAX_VCPUS",
	CapReadOnlyMEM:     "KVM_CAP_READONLY_MEM",
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Cap(%d)", uint8(c))
}

func CheckExtension(kvmFd P, c Cap) (P, error) {
	return Ioctl(kvmFd, IIO(kvmCheckExtension), P(c))
}

// KVMCapabilities prints the probe result for every known capability,
// for operator diagnostics.
func KVMCapabilities(devPath string) error {
	if devPath == "" {
		devPath = DefaultKVMPath
	}

	file, err := os.Open(devPath)
	if err != nil {
		return err
	}
	defer file.Close()

	caps := make([]Cap, 0, len(capNames))
	for c := range capNames {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	fd := file.Fd()
	for _, c := range caps {
		res, err := CheckExtension(P(fd), c)
		if err != nil {
			return err
		}
		fmt.Printf("%-30s: %t\n", c, res != 0)
	}
	return nil
}
