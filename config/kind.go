package config

import (
	"github.com/pkg/errors"
)

// Kind identifies a model component variant. Every slot of ModelConfig
// accepts a closed set of kinds.
type Kind uint8

const (
	KindUnknown Kind = iota

	// detectors and captioners
	KindFasterRCNN
	KindMaskRCNN
	KindCascadeRCNN
	KindHybridTaskCascade
	KindSceneGraphRCNN
	KindCaptioner

	// backbones
	KindResNet
	KindResNeXt
	KindVGG
	KindHRNet

	// necks
	KindFPN
	KindHRFPN

	// region proposal heads
	KindRPNHead
	KindGARPNHead

	// RoI feature extractors
	KindSingleRoIExtractor

	// box heads
	KindSharedFCBBoxHead
	KindConvFCBBoxHead
	KindExtrDetWeightSharedFCBBoxHead

	// mask heads
	KindFCNMaskHead
	KindHTCMaskHead
	KindTransferMaskHead

	// relation heads
	KindMotifHead
	KindVCTreeHead
	KindIMPHead
	KindVTransEHead
	KindTransformerHead

	// caption heads
	KindTopDownCaptionHead
	KindTransformerCaptionHead
)

var kindNames = map[Kind]string{
	KindFasterRCNN:                    "FasterRCNN",
	KindMaskRCNN:                      "MaskRCNN",
	KindCascadeRCNN:                   "CascadeRCNN",
	KindHybridTaskCascade:             "HybridTaskCascade",
	KindSceneGraphRCNN:                "SceneGraphRCNN",
	KindCaptioner:                     "Captioner",
	KindResNet:                        "ResNet",
	KindResNeXt:                       "ResNeXt",
	KindVGG:                           "VGG",
	KindHRNet:                         "HRNet",
	KindFPN:                           "FPN",
	KindHRFPN:                         "HRFPN",
	KindRPNHead:                       "RPNHead",
	KindGARPNHead:                     "GARPNHead",
	KindSingleRoIExtractor:            "SingleRoIExtractor",
	KindSharedFCBBoxHead:              "SharedFCBBoxHead",
	KindConvFCBBoxHead:                "ConvFCBBoxHead",
	KindExtrDetWeightSharedFCBBoxHead: "ExtrDetWeightSharedFCBBoxHead",
	KindFCNMaskHead:                   "FCNMaskHead",
	KindHTCMaskHead:                   "HTCMaskHead",
	KindTransferMaskHead:              "TransferMaskHead",
	KindMotifHead:                     "MotifHead",
	KindVCTreeHead:                    "VCTreeHead",
	KindIMPHead:                       "IMPHead",
	KindVTransEHead:                   "VTransEHead",
	KindTransformerHead:               "TransformerHead",
	KindTopDownCaptionHead:            "TopDownCaptionHead",
	KindTransformerCaptionHead:        "TransformerCaptionHead",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Slot names a position in the model tree
type Slot string

const (
	SlotModel            Slot = "model"
	SlotBackbone         Slot = "backbone"
	SlotNeck             Slot = "neck"
	SlotRPNHead          Slot = "rpn_head"
	SlotBBoxRoIExtractor Slot = "bbox_roi_extractor"
	SlotBBoxHead         Slot = "bbox_head"
	SlotMaskRoIExtractor Slot = "mask_roi_extractor"
	SlotMaskHead         Slot = "mask_head"
	SlotRelationHead     Slot = "relation_head"
	SlotCaptionHead      Slot = "caption_head"
)

var slotKinds = map[Slot][]Kind{
	SlotModel:            {KindFasterRCNN, KindMaskRCNN, KindCascadeRCNN, KindHybridTaskCascade, KindSceneGraphRCNN, KindCaptioner},
	SlotBackbone:         {KindResNet, KindResNeXt, KindVGG, KindHRNet},
	SlotNeck:             {KindFPN, KindHRFPN},
	SlotRPNHead:          {KindRPNHead, KindGARPNHead},
	SlotBBoxRoIExtractor: {KindSingleRoIExtractor},
	SlotBBoxHead:         {KindSharedFCBBoxHead, KindConvFCBBoxHead, KindExtrDetWeightSharedFCBBoxHead},
	SlotMaskRoIExtractor: {KindSingleRoIExtractor},
	SlotMaskHead:         {KindFCNMaskHead, KindHTCMaskHead, KindTransferMaskHead},
	SlotRelationHead:     {KindMotifHead, KindVCTreeHead, KindIMPHead, KindVTransEHead, KindTransformerHead},
	SlotCaptionHead:      {KindTopDownCaptionHead, KindTransformerCaptionHead},
}

// ParseKind resolves a type name for a slot
func ParseKind(slot Slot, name string) (Kind, error) {
	kinds, ok := slotKinds[slot]
	if !ok {
		return KindUnknown, errors.Errorf("unknown model slot %q", slot)
	}
	for _, k := range kinds {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return KindUnknown, errors.Errorf("unknown %s type %q", slot, name)
}

// OptimizerKind identifies the update rule
type OptimizerKind uint8

const (
	OptimizerUnknown OptimizerKind = iota
	OptimizerSGD
	OptimizerAdam
	OptimizerRMSprop
	OptimizerAdagrad
)

func (k OptimizerKind) String() string {
	switch k {
	case OptimizerSGD:
		return "SGD"
	case OptimizerAdam:
		return "Adam"
	case OptimizerRMSprop:
		return "RMSprop"
	case OptimizerAdagrad:
		return "Adagrad"
	default:
		return "Unknown"
	}
}

// ParseOptimizerKind resolves an optimizer type name
func ParseOptimizerKind(name string) (OptimizerKind, error) {
	switch name {
	case "SGD":
		return OptimizerSGD, nil
	case "Adam":
		return OptimizerAdam, nil
	case "RMSprop":
		return OptimizerRMSprop, nil
	case "Adagrad":
		return OptimizerAdagrad, nil
	}
	return OptimizerUnknown, errors.Errorf("unknown optimizer type %q", name)
}

func (m *ModelConfig) slots() []struct {
	slot Slot
	c    *Component
} {
	return []struct {
		slot Slot
		c    *Component
	}{
		{SlotBackbone, m.Backbone},
		{SlotNeck, m.Neck},
		{SlotRPNHead, m.RPNHead},
		{SlotBBoxRoIExtractor, m.BBoxRoIExtractor},
		{SlotBBoxHead, m.BBoxHead},
		{SlotMaskRoIExtractor, m.MaskRoIExtractor},
		{SlotMaskHead, m.MaskHead},
		{SlotRelationHead, m.RelationHead},
		{SlotCaptionHead, m.CaptionHead},
	}
}

// resolve fills in every Kind of the model tree
func (m *ModelConfig) resolve() error {
	kind, err := ParseKind(SlotModel, m.Type)
	if err != nil {
		return err
	}
	m.Kind = kind

	for _, s := range m.slots() {
		if s.c == nil {
			continue
		}
		if s.c.Kind, err = ParseKind(s.slot, s.c.Type); err != nil {
			return err
		}
	}
	return nil
}
